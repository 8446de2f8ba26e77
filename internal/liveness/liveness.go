// Package liveness supervises a signaling channel with application-level
// ping/pong. Browser clients cannot answer protocol-level pings from
// JavaScript, so the probe is a JSON message the client must echo.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/st-user/ojm-drone-remote/internal/protocol"
)

// State of a supervised channel.
type State int

const (
	// StateArmed: no probe outstanding; the next ping is scheduled.
	StateArmed State = iota
	// StateAwaitingPong: a ping is outstanding and the close timer runs.
	StateAwaitingPong
	// StateClosed: the channel timed out or was stopped.
	StateClosed
)

// Conn is the subset of a channel the supervisor drives.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

type Config struct {
	Conn         Conn
	Clock        clock.Clock
	PingInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger

	// OnTimeout runs after the forced close, outside the supervisor lock.
	OnTimeout func()
}

type Supervisor struct {
	conn         Conn
	clock        clock.Clock
	pingInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	onTimeout    func()

	mu         sync.Mutex
	state      State
	pingTimer  *clock.Timer
	closeTimer *clock.Timer
	started    bool
}

func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		conn:         cfg.Conn,
		clock:        cfg.Clock,
		pingInterval: cfg.PingInterval,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		onTimeout:    cfg.OnTimeout,
	}
}

// Start arms the supervisor. The first ping goes out one interval from now.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state == StateClosed {
		return
	}
	s.started = true
	s.state = StateArmed
	s.pingTimer = s.clock.AfterFunc(s.pingInterval, s.ping)
}

// Pong records a liveness answer, cancelling the pending close.
func (s *Supervisor) Pong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingPong {
		return
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	s.state = StateArmed
}

// Stop shuts the supervisor down without closing the channel. Used when
// the channel ends for its own reasons.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
}

// State returns the current supervision state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) ping() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateArmed {
		s.state = StateAwaitingPong
		s.closeTimer = s.clock.AfterFunc(s.timeout, s.timedOut)
	}
	s.pingTimer = s.clock.AfterFunc(s.pingInterval, s.ping)
	s.mu.Unlock()

	if err := s.conn.Send(protocol.Ping()); err != nil {
		s.logger.Debug("ping send failed", "err", err)
	}
}

func (s *Supervisor) timedOut() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.halt()
	s.mu.Unlock()

	_ = s.conn.Close()
	if s.onTimeout != nil {
		s.onTimeout()
	}
}

// halt transitions to CLOSED and stops both timers. Caller holds the lock.
func (s *Supervisor) halt() {
	s.state = StateClosed
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
}
