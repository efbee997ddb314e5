package metrics

import "sync"

// Counter names. Kept as plain strings so handlers can count one-off events
// without declaring a constant first; the stable ones live here.
const (
	PositionsIngested   = "positions_ingested"
	IngestRejected      = "ingest_rejected"
	BroadcastTicks      = "broadcast_ticks"
	NearbyPushes        = "nearby_pushes"
	NearbyPushFailures  = "nearby_push_failures"
	ClientsJoined       = "clients_joined"
	ClientsLeft         = "clients_left"
	ClientsReplaced     = "clients_replaced"
	SignalsForwarded    = "signals_forwarded"
	SignalsDropped      = "signals_dropped"
	SpeakingFanouts     = "speaking_fanouts"
	ErrorFramesSent     = "error_frames_sent"
	MessagesRateLimited = "messages_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment wanting a richer backend can scrape the Prometheus exposition
// from /metrics; in-process this stays a plain map so the hot paths
// (broadcast tick, relay forward) pay one mutex and one map access.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
