// Package world holds the authoritative per-player position snapshot reported
// by the game-server plugin.
package world

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultWorldID is the sentinel world used when a report omits one. Players
// only hear each other within the same world.
const DefaultWorldID = "default"

const defaultUsername = "Player"

var ErrEmptyPlayerID = errors.New("player entry missing playerId")

// PlayerPosition is the last reported world position for a player.
type PlayerPosition struct {
	X        float64
	Y        float64
	Z        float64
	WorldID  string
	Username string
}

// ReportedPlayer is one entry of a bulk position report.
type ReportedPlayer struct {
	PlayerID string  `json:"playerId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	WorldID  string  `json:"worldId,omitempty"`
	Username string  `json:"username,omitempty"`
}

// Store holds the latest bulk snapshot, keyed by player identifier.
//
// The store is a snapshot, not a log: each ingest replaces the whole content,
// so players absent from the latest report do not exist, even if a connected
// client still caches a stale position for them.
type Store struct {
	mu        sync.RWMutex
	positions map[string]PlayerPosition
}

func NewStore() *Store {
	return &Store{
		positions: make(map[string]PlayerPosition),
	}
}

// Ingest replaces the entire store content with the given report and returns
// the number of tracked players.
//
// Ingest is all-or-nothing: any invalid entry rejects the whole report and
// leaves the store unchanged. Readers never observe a partially filled
// snapshot; the replacement map is built outside the lock and swapped in.
func (s *Store) Ingest(players []ReportedPlayer) (int, error) {
	next := make(map[string]PlayerPosition, len(players))
	for i, p := range players {
		if strings.TrimSpace(p.PlayerID) == "" {
			return 0, fmt.Errorf("players[%d]: %w", i, ErrEmptyPlayerID)
		}
		pos := PlayerPosition{
			X:        p.X,
			Y:        p.Y,
			Z:        p.Z,
			WorldID:  p.WorldID,
			Username: p.Username,
		}
		if pos.WorldID == "" {
			pos.WorldID = DefaultWorldID
		}
		if pos.Username == "" {
			pos.Username = defaultUsername
		}
		next[p.PlayerID] = pos
	}

	s.mu.Lock()
	s.positions = next
	s.mu.Unlock()
	return len(next), nil
}

func (s *Store) Get(playerID string) (PlayerPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[playerID]
	return pos, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Snapshot returns the current snapshot map. The map is replaced wholesale on
// each ingest and never mutated in place, so callers may iterate it without
// holding any lock.
func (s *Store) Snapshot() map[string]PlayerPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions
}
