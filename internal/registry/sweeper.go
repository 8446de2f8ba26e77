package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Sweeper reclaims idle rooms on a fixed period. Rooms with an open
// channel (or reported activity) get their persisted timestamp refreshed;
// rooms idle past the TTL are removed. A failing pass is logged and the
// next tick retries.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// OnRemove runs after a room is reclaimed; the queue transport uses
	// it to resolve blocked observers with an empty result.
	onRemove func(startKey string)
	// PruneSessions drops polling sessions that have gone stale.
	pruneSessions func(ctx context.Context, now time.Time) error
	// PruneTickets drops issued tickets that expired unconsumed.
	pruneTickets func(ctx context.Context, now time.Time) error
}

type SweeperConfig struct {
	Registry      *Registry
	Interval      time.Duration
	TTL           time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	OnRemove      func(startKey string)
	PruneSessions func(ctx context.Context, now time.Time) error
	PruneTickets  func(ctx context.Context, now time.Time) error
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		registry:      cfg.Registry,
		interval:      cfg.Interval,
		ttl:           cfg.TTL,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		onRemove:      cfg.OnRemove,
		pruneSessions: cfg.PruneSessions,
		pruneTickets:  cfg.PruneTickets,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now().UTC()

	if s.pruneSessions != nil {
		if err := s.pruneSessions(ctx, now); err != nil {
			s.logger.Warn("session prune failed", "err", err)
		}
	}
	if s.pruneTickets != nil {
		if err := s.pruneTickets(ctx, now); err != nil {
			s.logger.Warn("ticket prune failed", "err", err)
		}
	}

	for _, startKey := range s.registry.StartKeys() {
		room, ok := s.registry.Lookup(startKey)
		if !ok {
			continue
		}

		if s.registry.IsActive(startKey) {
			room.touch(now)
			if err := s.registry.persist(ctx, startKey, now); err != nil {
				s.logger.Warn("room touch failed", "startKey", startKey, "err", err)
			}
			continue
		}

		if now.Sub(room.lastActiveAt()) < s.ttl {
			continue
		}
		// A channel may have attached between the idle check and here;
		// re-verify before reclaiming.
		if s.registry.IsActive(startKey) {
			room.touch(now)
			continue
		}

		if err := s.registry.Remove(ctx, startKey); err != nil {
			s.logger.Warn("room removal failed", "startKey", startKey, "err", err)
			continue
		}
		s.logger.Info("reclaimed idle room", "startKey", startKey)
		if s.onRemove != nil {
			s.onRemove(startKey)
		}
	}
}
