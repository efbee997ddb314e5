// Package registry tracks connected voice clients and the best-known position
// for each of them.
package registry

import (
	"sync"

	"github.com/voicebridge/proximity-relay/internal/world"
)

// Transport is the write side of a client connection. Implementations must be
// safe for concurrent use; Send is fire-and-forget from the registry's point
// of view (a failed send is the caller's concern, never retried here).
type Transport interface {
	Send(v any) error
	Close() error
}

// Position is a client's cached world position. Unlike the position store,
// which is replaced wholesale each ingest, this cache is merged field by field
// from client self-reports and store syncs.
type Position struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	WorldID string  `json:"worldId,omitempty"`
}

// Client is a point-in-time view of one connected client.
type Client struct {
	ID        string
	Username  string
	Transport Transport
	Position  *Position
	Radius    float64
}

type entry struct {
	username  string
	transport Transport
	position  *Position
	radius    float64
}

// Registry holds at most one entry per player identifier. All methods are safe
// for concurrent use; no method blocks on transport I/O while holding the
// registry lock.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry
}

func New() *Registry {
	return &Registry{
		clients: make(map[string]*entry),
	}
}

// Register adds a client, replacing (and closing) any existing entry for the
// same player identifier. It reports whether an entry was replaced.
func (r *Registry) Register(playerID string, t Transport, username string, radius float64, pos *Position) (replaced bool) {
	var old Transport

	r.mu.Lock()
	if prev, ok := r.clients[playerID]; ok {
		old = prev.transport
		replaced = true
	}
	r.clients[playerID] = &entry{
		username:  username,
		transport: t,
		position:  pos,
		radius:    radius,
	}
	r.mu.Unlock()

	if old != nil && old != t {
		_ = old.Close()
	}
	return replaced
}

// Unregister removes the entry for playerID, but only if it still belongs to
// the given transport. A stale connection going away must not evict the entry
// of a client that has since rejoined. A nil transport removes unconditionally.
func (r *Registry) Unregister(playerID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.clients[playerID]
	if !ok {
		return false
	}
	if t != nil && prev.transport != t {
		return false
	}
	delete(r.clients, playerID)
	return true
}

func (r *Registry) Get(playerID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[playerID]
	if !ok {
		return Client{}, false
	}
	return r.clientLocked(playerID, e), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SetPosition merges a client self-report into the cached position. Only the
// coordinates are replaced; the cached world survives a report that omits one.
func (r *Registry) SetPosition(playerID string, pos Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[playerID]
	if !ok {
		return
	}
	if pos.WorldID == "" && e.position != nil {
		pos.WorldID = e.position.WorldID
	}
	e.position = &pos
}

// SetWorld merges just the world identifier into the cached position.
func (r *Registry) SetWorld(playerID, worldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[playerID]
	if !ok {
		return
	}
	if e.position == nil {
		e.position = &Position{WorldID: worldID}
		return
	}
	pos := *e.position
	pos.WorldID = worldID
	e.position = &pos
}

// SyncFromStore overwrites the store-owned fields (coordinates and world) of a
// client's cached position with the latest ingested snapshot entry.
func (r *Registry) SyncFromStore(playerID string, pos world.PlayerPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[playerID]
	if !ok {
		return
	}
	e.position = &Position{
		X:       pos.X,
		Y:       pos.Y,
		Z:       pos.Z,
		WorldID: pos.WorldID,
	}
}

// ForEach calls fn for every connected client. It iterates over a snapshot
// taken under the lock, so fn may perform transport writes and may itself
// register or unregister clients.
func (r *Registry) ForEach(fn func(Client)) {
	r.mu.RLock()
	snapshot := make([]Client, 0, len(r.clients))
	for id, e := range r.clients {
		snapshot = append(snapshot, r.clientLocked(id, e))
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

func (r *Registry) clientLocked(id string, e *entry) Client {
	var pos *Position
	if e.position != nil {
		p := *e.position
		pos = &p
	}
	return Client{
		ID:        id,
		Username:  e.username,
		Transport: e.transport,
		Position:  pos,
		Radius:    e.radius,
	}
}
