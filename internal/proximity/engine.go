// Package proximity computes who can hear whom, and how loudly.
package proximity

import (
	"math"

	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/world"
)

// DefaultDecay is the exponential volume decay constant k in
// volume = exp(-k * distance).
const DefaultDecay = 0.02

// NearbyEntry is one audible player, produced fresh for every broadcast tick
// or relay event and never stored.
type NearbyEntry struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Volume   float64 `json:"volume"`
}

// Engine resolves subject positions and scans the position store for audible
// peers. It holds no state of its own beyond the injected dependencies.
type Engine struct {
	store    *world.Store
	registry *registry.Registry
	decay    float64
}

func NewEngine(store *world.Store, reg *registry.Registry, decay float64) *Engine {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Engine{
		store:    store,
		registry: reg,
		decay:    decay,
	}
}

// Volume maps a distance to a playback volume in [0, 1]. It is monotonically
// non-increasing with Volume(0) = 1.
func (e *Engine) Volume(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	v := math.Exp(-e.decay * distance)
	return math.Min(1, math.Max(0, v))
}

// Distance returns the Euclidean distance between two cached client positions.
// Unknown positions (nil) are treated as the origin by the caller's fallback
// rules, not here.
func Distance(ax, ay, az, bx, by, bz float64) float64 {
	dx := ax - bx
	dy := ay - by
	dz := az - bz
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// ComputeNearby returns every other same-world player within radius of the
// subject, with a distance-derived volume. Order is unspecified.
//
// The subject's position comes from the position store when present, falling
// back to the client's cached self-report. A subject with no resolvable
// position yields an empty result; "not yet located" is not an error.
func (e *Engine) ComputeNearby(playerID string, radius float64) []NearbyEntry {
	x, y, z, worldID, ok := e.resolve(playerID)
	if !ok {
		return nil
	}
	if worldID == "" {
		worldID = world.DefaultWorldID
	}

	snapshot := e.store.Snapshot()
	nearby := make([]NearbyEntry, 0, len(snapshot))
	for id, p := range snapshot {
		if id == playerID {
			continue
		}
		pw := p.WorldID
		if pw == "" {
			pw = world.DefaultWorldID
		}
		if pw != worldID {
			continue
		}

		d := Distance(p.X, p.Y, p.Z, x, y, z)
		if d > radius {
			continue
		}
		nearby = append(nearby, NearbyEntry{
			ID:       id,
			Username: p.Username,
			X:        p.X,
			Y:        p.Y,
			Z:        p.Z,
			Volume:   e.Volume(d),
		})
	}
	return nearby
}

// PairDistance returns the Euclidean distance between two players' freshest
// known positions. ok is false when either side is unresolvable; callers pick
// their own fallback. World membership is deliberately not checked here: a
// pairing volume is still meaningful for a peer session negotiated across a
// world hand-off.
func (e *Engine) PairDistance(aID, bID string) (float64, bool) {
	ax, ay, az, _, ok := e.resolve(aID)
	if !ok {
		return 0, false
	}
	bx, by, bz, _, ok := e.resolve(bID)
	if !ok {
		return 0, false
	}
	return Distance(ax, ay, az, bx, by, bz), true
}

// HasPosition reports whether the subject's position is currently resolvable.
// Surfaced to joining clients as a diagnostic, so a plugin operator can tell
// "connected but never reported" apart from "working".
func (e *Engine) HasPosition(playerID string) bool {
	_, _, _, _, ok := e.resolve(playerID)
	return ok
}

func (e *Engine) resolve(playerID string) (x, y, z float64, worldID string, ok bool) {
	if pos, found := e.store.Get(playerID); found {
		return pos.X, pos.Y, pos.Z, pos.WorldID, true
	}
	if c, found := e.registry.Get(playerID); found && c.Position != nil {
		return c.Position.X, c.Position.Y, c.Position.Z, c.Position.WorldID, true
	}
	return 0, 0, 0, "", false
}
