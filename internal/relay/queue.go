package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
)

const (
	sessionsCollection = "sessions"
	queuesCollection   = "queues"
)

var ErrUnknownOrExpiredSession = errors.New("unknown or expired session")

// sessionRecord maps a session key back to its room and the peer identity
// behind it. The peer identity lets an expiring session release a primary
// claim it acquired over the polling API.
type sessionRecord struct {
	StartKey         string          `json:"startKey"`
	PeerConnectionID protocol.PeerID `json:"peerConnectionId"`
	IsPrimary        bool            `json:"isPrimary"`
}

// roomQueue is the room's entire polling state, held in one document so
// every mutation is a single-document transaction.
type roomQueue struct {
	// Sessions maps each registered session key to its last observe time.
	Sessions map[string]time.Time `json:"sessions"`
	Messages []queuedMessage      `json:"messages"`
}

type queuedMessage struct {
	EventName string          `json:"eventName"`
	Data      json.RawMessage `json:"data"`
	// Recipients is the outstanding delivery set. Draining a session
	// removes it; the message is pruned when the set empties.
	Recipients map[string]bool `json:"recipients"`
}

// Queue is the long-polling transport. Peers register a session per room,
// then alternate Observe (drain or block) and Send. Envelopes are stored in
// the docstore, so delivery state survives a restart when the SQLite
// backend is configured.
type Queue struct {
	store          docstore.Store
	registry       *registry.Registry
	push           *Push
	clock          clock.Clock
	logger         *slog.Logger
	sessionTTL     time.Duration
	observeTimeout time.Duration

	mu     sync.Mutex
	wakers map[string]chan struct{}
}

type QueueConfig struct {
	Store          docstore.Store
	Registry       *registry.Registry
	Clock          clock.Clock
	Logger         *slog.Logger
	SessionTTL     time.Duration
	ObserveTimeout time.Duration
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		store:          cfg.Store,
		registry:       cfg.Registry,
		push:           NewPush(cfg.Registry, cfg.Logger),
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		sessionTTL:     cfg.SessionTTL,
		observeTimeout: cfg.ObserveTimeout,
		wakers:         map[string]chan struct{}{},
	}
}

// ToController: the controller leg is a WebSocket in queue mode too.
func (q *Queue) ToController(ctx context.Context, startKey string, payload []byte) error {
	return q.push.ToController(ctx, startKey, payload)
}

// ToPeer appends the event to the room stream addressed to every
// registered session, then wakes blocked observers. peerID is not used for
// routing; it travels inside the payload.
func (q *Queue) ToPeer(ctx context.Context, startKey string, peerID protocol.PeerID, eventName string, payload []byte) error {
	var recipients int
	err := q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		n, err := appendToRoom(tx, startKey, eventName, payload)
		recipients = n
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for room %s: %w", eventName, startKey, err)
	}
	if recipients == 0 {
		q.logger.Warn("dropping event, no polling sessions", "startKey", startKey, "event", eventName)
		return nil
	}
	q.wake(startKey)
	return nil
}

// StartObserving registers a polling session for startKey and returns its
// session key.
func (q *Queue) StartObserving(ctx context.Context, startKey string, peerID protocol.PeerID, isPrimary bool) (string, error) {
	if _, ok := q.registry.Lookup(startKey); !ok {
		return "", registry.ErrUnknownRoom
	}

	sessionKey := uuid.NewString()
	now := q.clock.Now().UTC()

	recData, err := json.Marshal(sessionRecord{
		StartKey:         startKey,
		PeerConnectionID: peerID,
		IsPrimary:        isPrimary,
	})
	if err != nil {
		return "", err
	}

	err = q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Put(sessionsCollection, sessionKey, recData); err != nil {
			return err
		}
		rq, err := loadRoomQueue(tx, startKey)
		if err != nil {
			return err
		}
		rq.Sessions[sessionKey] = now
		return storeRoomQueue(tx, startKey, rq)
	})
	if err != nil {
		return "", fmt.Errorf("register session for room %s: %w", startKey, err)
	}
	return sessionKey, nil
}

// Observe drains the envelopes addressed to sessionKey. With nothing
// pending it blocks until a send wakes the room or the long-poll ceiling
// passes, then drains once more; a timeout yields an empty slice, not an
// error.
func (q *Queue) Observe(ctx context.Context, sessionKey string) ([]protocol.Envelope, error) {
	envs, startKey, err := q.drain(ctx, sessionKey)
	if err != nil || len(envs) > 0 {
		return envs, err
	}

	waker := q.subscribe(startKey)
	// A send may have slipped in between the drain and the subscription;
	// it would have woken the previous channel, so check once more.
	envs, _, err = q.drain(ctx, sessionKey)
	if err != nil || len(envs) > 0 {
		return envs, err
	}

	timer := q.clock.Timer(q.observeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return []protocol.Envelope{}, nil
	case <-waker:
	}

	envs, _, err = q.drain(ctx, sessionKey)
	if errors.Is(err, ErrUnknownOrExpiredSession) {
		// The room was reclaimed while we were blocked; resolve with an
		// empty result and let the next startObserving fail properly.
		return []protocol.Envelope{}, nil
	}
	return envs, err
}

// Send appends an envelope from sessionKey's peer to the room stream,
// addressed to every registered session.
func (q *Queue) Send(ctx context.Context, sessionKey, eventName string, payload json.RawMessage) error {
	var startKey string
	err := q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		rec, err := resolveSession(tx, sessionKey)
		if err != nil {
			return err
		}
		startKey = rec.StartKey
		_, err = appendToRoom(tx, startKey, eventName, payload)
		return err
	})
	if err != nil {
		return err
	}
	q.wake(startKey)
	return nil
}

// Session resolves sessionKey to its room and the peer identity registered
// at StartObserving time.
func (q *Queue) Session(ctx context.Context, sessionKey string) (startKey string, peerID protocol.PeerID, isPrimary bool, err error) {
	doc, ok, err := q.store.Get(ctx, sessionsCollection, sessionKey)
	if err != nil {
		return "", "", false, err
	}
	if !ok {
		return "", "", false, ErrUnknownOrExpiredSession
	}
	var rec sessionRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return "", "", false, err
	}
	return rec.StartKey, rec.PeerConnectionID, rec.IsPrimary, nil
}

// Active reports whether any of the room's sessions polled within the
// session TTL. Plugged into the registry as its ActivityReporter.
func (q *Queue) Active(startKey string) bool {
	doc, ok, err := q.store.Get(context.Background(), queuesCollection, startKey)
	if err != nil || !ok {
		return false
	}
	var rq roomQueue
	if err := json.Unmarshal(doc.Data, &rq); err != nil {
		return false
	}
	now := q.clock.Now().UTC()
	for _, last := range rq.Sessions {
		if now.Sub(last) < q.sessionTTL {
			return true
		}
	}
	return false
}

// PruneSessions drops sessions that have not polled within the session
// TTL, removing them from every outstanding recipient set and releasing
// primary claims they held. Wired into the sweeper.
func (q *Queue) PruneSessions(ctx context.Context, now time.Time) error {
	docs, err := q.store.List(ctx, queuesCollection)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		startKey := doc.Key
		var released []sessionRecord
		err := q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
			released = released[:0]
			rq, err := loadRoomQueue(tx, startKey)
			if err != nil {
				return err
			}
			var expired []string
			for key, last := range rq.Sessions {
				if now.Sub(last) >= q.sessionTTL {
					expired = append(expired, key)
				}
			}
			if len(expired) == 0 {
				return nil
			}
			for _, key := range expired {
				if rec, err := resolveSession(tx, key); err == nil {
					released = append(released, rec)
				}
				delete(rq.Sessions, key)
				if err := tx.Delete(sessionsCollection, key); err != nil {
					return err
				}
			}
			kept := rq.Messages[:0]
			for _, msg := range rq.Messages {
				for _, key := range expired {
					delete(msg.Recipients, key)
				}
				if len(msg.Recipients) > 0 {
					kept = append(kept, msg)
				}
			}
			rq.Messages = kept
			return storeRoomQueue(tx, startKey, rq)
		})
		if err != nil {
			q.logger.Warn("session prune failed", "startKey", startKey, "err", err)
			continue
		}
		for _, rec := range released {
			if rec.IsPrimary {
				if room, ok := q.registry.Lookup(rec.StartKey); ok {
					room.ReleasePrimaryIf(rec.PeerConnectionID)
				}
			}
		}
	}
	return nil
}

// DropRoom deletes the room's polling state and resolves blocked observers
// with an empty result. Wired into the sweeper's OnRemove.
func (q *Queue) DropRoom(ctx context.Context, startKey string) {
	err := q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, ok, err := tx.Get(queuesCollection, startKey)
		if err != nil || !ok {
			return err
		}
		var rq roomQueue
		if err := json.Unmarshal(doc.Data, &rq); err != nil {
			return err
		}
		for key := range rq.Sessions {
			if err := tx.Delete(sessionsCollection, key); err != nil {
				return err
			}
		}
		return tx.Delete(queuesCollection, startKey)
	})
	if err != nil {
		q.logger.Warn("dropping room queue failed", "startKey", startKey, "err", err)
	}
	q.wake(startKey)
}

func (q *Queue) drain(ctx context.Context, sessionKey string) ([]protocol.Envelope, string, error) {
	var envs []protocol.Envelope
	var startKey string
	now := q.clock.Now().UTC()

	err := q.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		envs = nil
		rec, err := resolveSession(tx, sessionKey)
		if err != nil {
			return err
		}
		startKey = rec.StartKey

		rq, err := loadRoomQueue(tx, startKey)
		if err != nil {
			return err
		}
		if _, ok := rq.Sessions[sessionKey]; !ok {
			return ErrUnknownOrExpiredSession
		}
		rq.Sessions[sessionKey] = now

		kept := rq.Messages[:0]
		for _, msg := range rq.Messages {
			if msg.Recipients[sessionKey] {
				envs = append(envs, protocol.Envelope{EventName: msg.EventName, Payload: msg.Data})
				delete(msg.Recipients, sessionKey)
			}
			if len(msg.Recipients) > 0 {
				kept = append(kept, msg)
			}
		}
		rq.Messages = kept
		return storeRoomQueue(tx, startKey, rq)
	})
	if err != nil {
		return nil, "", err
	}
	return envs, startKey, nil
}

// subscribe returns the room's current waker channel; wake closes it.
func (q *Queue) subscribe(startKey string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wakers[startKey]
	if !ok {
		ch = make(chan struct{})
		q.wakers[startKey] = ch
	}
	return ch
}

func (q *Queue) wake(startKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.wakers[startKey]; ok {
		close(ch)
		delete(q.wakers, startKey)
	}
}

func resolveSession(tx docstore.Tx, sessionKey string) (sessionRecord, error) {
	doc, ok, err := tx.Get(sessionsCollection, sessionKey)
	if err != nil {
		return sessionRecord{}, err
	}
	if !ok {
		return sessionRecord{}, ErrUnknownOrExpiredSession
	}
	var rec sessionRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return sessionRecord{}, err
	}
	return rec, nil
}

func loadRoomQueue(tx docstore.Tx, startKey string) (*roomQueue, error) {
	doc, ok, err := tx.Get(queuesCollection, startKey)
	if err != nil {
		return nil, err
	}
	rq := &roomQueue{Sessions: map[string]time.Time{}}
	if ok {
		if err := json.Unmarshal(doc.Data, rq); err != nil {
			return nil, err
		}
		if rq.Sessions == nil {
			rq.Sessions = map[string]time.Time{}
		}
	}
	return rq, nil
}

func storeRoomQueue(tx docstore.Tx, startKey string, rq *roomQueue) error {
	data, err := json.Marshal(rq)
	if err != nil {
		return err
	}
	return tx.Put(queuesCollection, startKey, data)
}

// appendToRoom adds one message addressed to every registered session and
// reports the recipient count. Zero recipients means nothing was stored.
func appendToRoom(tx docstore.Tx, startKey, eventName string, payload json.RawMessage) (int, error) {
	rq, err := loadRoomQueue(tx, startKey)
	if err != nil {
		return 0, err
	}
	if len(rq.Sessions) == 0 {
		return 0, nil
	}
	recipients := make(map[string]bool, len(rq.Sessions))
	for key := range rq.Sessions {
		recipients[key] = true
	}
	rq.Messages = append(rq.Messages, queuedMessage{
		EventName:  eventName,
		Data:       payload,
		Recipients: recipients,
	})
	return len(recipients), storeRoomQueue(tx, startKey, rq)
}
