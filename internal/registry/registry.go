// Package registry tracks signaling rooms: one room per start key, holding
// the controller channel handle, the peer channel handles and the primary
// claim. Rooms are persisted to the docstore so start keys survive a
// restart; live channel handles are process-local and are rebuilt as
// clients reconnect.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
	"github.com/st-user/ojm-drone-remote/internal/protocol"
)

const roomsCollection = "rooms"

var ErrUnknownRoom = errors.New("unknown room")

// Channel is a live signaling channel. Send must be safe for concurrent
// use; Close forcibly tears the channel down and is idempotent.
type Channel interface {
	Send(payload []byte) error
	Close() error
	Open() bool
}

// ActivityReporter lets another component extend a room's liveness beyond
// its open channels. The queue transport reports rooms whose sessions have
// polled recently.
type ActivityReporter func(startKey string) bool

type roomRecord struct {
	StartKey   string    `json:"startKey"`
	LastActive time.Time `json:"lastActive"`
}

// Room is the per-start-key state. All mutation goes through its mutex;
// the registry hands out *Room but callers use the accessor methods.
type Room struct {
	startKey string

	mu         sync.Mutex
	controller Channel
	peers      map[protocol.PeerID]Channel
	primary    protocol.PeerID
	hasPrimary bool
	lastActive time.Time
}

func (r *Room) StartKey() string { return r.startKey }

// PrimaryClaim returns the peer currently holding the primary claim.
func (r *Room) PrimaryClaim() (protocol.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary, r.hasPrimary
}

// ClaimPrimary records peerID as the room's primary. The caller decides
// whether the claim is admissible; this only records it.
func (r *Room) ClaimPrimary(peerID protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = peerID
	r.hasPrimary = true
}

// ClaimPrimaryIfUnheld atomically records peerID when no claim is held.
// It returns the holder after the call and whether peerID just acquired
// the claim.
func (r *Room) ClaimPrimaryIfUnheld(peerID protocol.PeerID) (holder protocol.PeerID, acquired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasPrimary {
		r.primary = peerID
		r.hasPrimary = true
		return peerID, true
	}
	return r.primary, false
}

// ReleasePrimaryIf clears the claim when held by peerID.
func (r *Room) ReleasePrimaryIf(peerID protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasPrimary && r.primary == peerID {
		r.primary = ""
		r.hasPrimary = false
	}
}

func (r *Room) releasePrimary() {
	r.primary = ""
	r.hasPrimary = false
}

// Controller returns the attached controller channel, if any.
func (r *Room) Controller() (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller == nil {
		return nil, false
	}
	return r.controller, true
}

// Peer returns the channel attached under peerID, if any.
func (r *Room) Peer(peerID protocol.PeerID) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.peers[peerID]
	return ch, ok
}

func (r *Room) open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller != nil && r.controller.Open() {
		return true
	}
	for _, ch := range r.peers {
		if ch.Open() {
			return true
		}
	}
	return false
}

func (r *Room) touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = now
}

func (r *Room) lastActiveAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

func (r *Room) closeAll() {
	r.mu.Lock()
	controller := r.controller
	peers := r.peers
	r.controller = nil
	r.peers = map[protocol.PeerID]Channel{}
	r.releasePrimary()
	r.mu.Unlock()

	if controller != nil {
		_ = controller.Close()
	}
	for _, ch := range peers {
		_ = ch.Close()
	}
}

// ReconnectPolicy controls what happens to the primary claim when a new
// controller supersedes the old one.
type ReconnectPolicy string

const (
	// ReconnectResume keeps the primary claim so the established peer
	// keeps its role across a controller reconnect.
	ReconnectResume ReconnectPolicy = "resume"
	// ReconnectRearbitrate clears the claim and forces peers to race
	// canOffer again.
	ReconnectRearbitrate ReconnectPolicy = "rearbitrate"
)

type Config struct {
	Store            docstore.Store
	Clock            clock.Clock
	Logger           *slog.Logger
	ReconnectPolicy  ReconnectPolicy
	ActivityReporter ActivityReporter
}

type Registry struct {
	store    docstore.Store
	clock    clock.Clock
	logger   *slog.Logger
	policy   ReconnectPolicy
	reporter ActivityReporter

	mu    sync.RWMutex
	rooms map[string]*Room
}

func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectPolicy == "" {
		cfg.ReconnectPolicy = ReconnectResume
	}
	return &Registry{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		policy:   cfg.ReconnectPolicy,
		reporter: cfg.ActivityReporter,
		rooms:    map[string]*Room{},
	}
}

// Provision creates the room for startKey, overwriting any existing room
// (existing handles are force-closed), and persists it.
func (g *Registry) Provision(ctx context.Context, startKey string) error {
	now := g.clock.Now().UTC()

	g.mu.Lock()
	old := g.rooms[startKey]
	room := &Room{
		startKey:   startKey,
		peers:      map[protocol.PeerID]Channel{},
		lastActive: now,
	}
	g.rooms[startKey] = room
	g.mu.Unlock()

	if old != nil {
		old.closeAll()
	}

	if err := g.persist(ctx, startKey, now); err != nil {
		return fmt.Errorf("persist room %s: %w", startKey, err)
	}
	return nil
}

// Lookup returns the room for startKey.
func (g *Registry) Lookup(startKey string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[startKey]
	return room, ok
}

// AttachController binds ch as the room's controller. A previous controller
// is forcibly closed and superseded; under the rearbitrate policy the
// primary claim is cleared as well.
func (g *Registry) AttachController(startKey string, ch Channel) error {
	room, ok := g.Lookup(startKey)
	if !ok {
		return ErrUnknownRoom
	}

	room.mu.Lock()
	old := room.controller
	room.controller = ch
	if g.policy == ReconnectRearbitrate {
		room.releasePrimary()
	}
	room.lastActive = g.clock.Now().UTC()
	room.mu.Unlock()

	if old != nil {
		g.logger.Info("superseding controller", "startKey", startKey)
		_ = old.Close()
	}
	return nil
}

// AttachPeer binds ch under peerConnectionID and returns the room it
// joined. Callers must use the returned room, not one from an earlier
// Lookup: the key may have been reclaimed and re-provisioned in between.
// An existing channel under the same ID is closed and replaced.
func (g *Registry) AttachPeer(startKey string, peerID protocol.PeerID, ch Channel) (*Room, error) {
	room, ok := g.Lookup(startKey)
	if !ok {
		return nil, ErrUnknownRoom
	}

	room.mu.Lock()
	old := room.peers[peerID]
	room.peers[peerID] = ch
	room.lastActive = g.clock.Now().UTC()
	room.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return room, nil
}

// DetachPeer removes the channel bound under peerConnectionID, releasing
// the primary claim if that peer held it. Detaching an unknown peer is a
// no-op.
func (g *Registry) DetachPeer(startKey string, peerID protocol.PeerID) {
	room, ok := g.Lookup(startKey)
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.peers, peerID)
	if room.hasPrimary && room.primary == peerID {
		room.releasePrimary()
	}
	room.mu.Unlock()
}

// IsActive reports whether the room has any open channel, or activity
// reported by the injected reporter.
func (g *Registry) IsActive(startKey string) bool {
	room, ok := g.Lookup(startKey)
	if !ok {
		return false
	}
	if room.open() {
		return true
	}
	return g.reporter != nil && g.reporter(startKey)
}

// Remove force-closes every channel, drops the room and deletes the
// persisted row. Removing an unknown room is a no-op.
func (g *Registry) Remove(ctx context.Context, startKey string) error {
	g.mu.Lock()
	room, ok := g.rooms[startKey]
	delete(g.rooms, startKey)
	g.mu.Unlock()

	if ok {
		room.closeAll()
	}

	err := g.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Delete(roomsCollection, startKey)
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", startKey, err)
	}
	return nil
}

// Restore reloads the persisted start keys, re-provisioning empty rooms.
// Called once at boot, before any channel attaches.
func (g *Registry) Restore(ctx context.Context) error {
	docs, err := g.store.List(ctx, roomsCollection)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, doc := range docs {
		var rec roomRecord
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			g.logger.Warn("skipping unreadable room record", "key", doc.Key, "err", err)
			continue
		}
		g.rooms[rec.StartKey] = &Room{
			startKey:   rec.StartKey,
			peers:      map[protocol.PeerID]Channel{},
			lastActive: rec.LastActive,
		}
	}
	g.logger.Info("restored rooms", "count", len(g.rooms))
	return nil
}

// StartKeys snapshots the known start keys.
func (g *Registry) StartKeys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.rooms))
	for k := range g.rooms {
		keys = append(keys, k)
	}
	return keys
}

// Counts reports the number of open controller and peer channels across
// all rooms. Channels whose socket already died are not counted, so they
// do not hold client-ceiling slots until supersession or sweep.
func (g *Registry) Counts() (controllers, peers int) {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.RUnlock()

	for _, room := range rooms {
		room.mu.Lock()
		if room.controller != nil && room.controller.Open() {
			controllers++
		}
		for _, ch := range room.peers {
			if ch.Open() {
				peers++
			}
		}
		room.mu.Unlock()
	}
	return controllers, peers
}

func (g *Registry) persist(ctx context.Context, startKey string, lastActive time.Time) error {
	data, err := json.Marshal(roomRecord{StartKey: startKey, LastActive: lastActive})
	if err != nil {
		return err
	}
	return g.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Put(roomsCollection, startKey, data)
	})
}
