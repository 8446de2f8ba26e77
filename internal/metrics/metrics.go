package metrics

import "sync"

// Counter names used across the relay.
const (
	CounterRelayedToController = "relayed_to_controller"
	CounterRelayedToPeer       = "relayed_to_peer"
	CounterDroppedMessages     = "dropped_messages"
	CounterRejectedUpgrades    = "rejected_upgrades"
	CounterLivenessTimeouts    = "liveness_timeouts"
	CounterSweptRooms          = "swept_rooms"
	CounterTicketsIssued       = "tickets_issued"
	CounterTicketsConsumed     = "tickets_consumed"
)

// Metrics is a minimal, concurrency-safe counter registry, exposed over
// /metrics in Prometheus text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
