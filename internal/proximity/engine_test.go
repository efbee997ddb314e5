package proximity

import (
	"math"
	"testing"

	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/world"
)

type nopTransport struct{}

func (nopTransport) Send(any) error { return nil }
func (nopTransport) Close() error   { return nil }

func newTestEngine(t *testing.T, players ...world.ReportedPlayer) (*Engine, *world.Store, *registry.Registry) {
	t.Helper()
	store := world.NewStore()
	if len(players) > 0 {
		if _, err := store.Ingest(players); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	reg := registry.New()
	return NewEngine(store, reg, 0), store, reg
}

func TestVolumeBoundsAndMonotonicity(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if v := e.Volume(0); v != 1 {
		t.Fatalf("Volume(0)=%v, want 1", v)
	}
	if v := e.Volume(-5); v != 1 {
		t.Fatalf("Volume(-5)=%v, want 1", v)
	}

	prev := 1.0
	for d := 1.0; d <= 512; d *= 2 {
		v := e.Volume(d)
		if v < 0 || v > 1 {
			t.Fatalf("Volume(%v)=%v out of [0,1]", d, v)
		}
		if v > prev {
			t.Fatalf("Volume(%v)=%v increased from %v", d, v, prev)
		}
		prev = v
	}
}

func TestVolumeMatchesExponentialDecay(t *testing.T) {
	e, _, _ := newTestEngine(t)
	want := math.Exp(-0.02 * 10)
	if got := e.Volume(10); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Volume(10)=%v, want %v", got, want)
	}
}

func TestComputeNearbyFiltersByRadius(t *testing.T) {
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "me", X: 0},
		world.ReportedPlayer{PlayerID: "close", X: 10, Username: "Close"},
		world.ReportedPlayer{PlayerID: "far", X: 100},
	)

	nearby := e.ComputeNearby("me", 32)
	if len(nearby) != 1 {
		t.Fatalf("len=%d, want 1 (%+v)", len(nearby), nearby)
	}
	got := nearby[0]
	if got.ID != "close" || got.Username != "Close" {
		t.Fatalf("entry=%+v, want player close", got)
	}
	want := math.Exp(-0.02 * 10)
	if math.Abs(got.Volume-want) > 1e-12 {
		t.Fatalf("volume=%v, want %v", got.Volume, want)
	}

	if tight := e.ComputeNearby("me", 5); len(tight) != 0 {
		t.Fatalf("radius 5 returned %+v, want none", tight)
	}
}

func TestComputeNearbyExcludesSelfAndOtherWorlds(t *testing.T) {
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "me", X: 0},
		world.ReportedPlayer{PlayerID: "ghost", X: 1, WorldID: "nether"},
	)

	if nearby := e.ComputeNearby("me", 32); len(nearby) != 0 {
		t.Fatalf("nearby=%+v, want none (self excluded, other world excluded)", nearby)
	}
}

func TestComputeNearbyDefaultWorldSentinel(t *testing.T) {
	// An explicit "default" and an omitted world are the same world.
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "me", WorldID: "default"},
		world.ReportedPlayer{PlayerID: "peer", X: 3},
	)

	if nearby := e.ComputeNearby("me", 32); len(nearby) != 1 {
		t.Fatalf("nearby=%+v, want the peer", nearby)
	}
}

func TestComputeNearbyFallsBackToRegistryCache(t *testing.T) {
	e, _, reg := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "peer", X: 4},
	)
	// The subject never appeared in a bulk report but self-reported over the
	// socket.
	reg.Register("me", nopTransport{}, "Me", 32, &registry.Position{X: 0})

	if nearby := e.ComputeNearby("me", 32); len(nearby) != 1 {
		t.Fatalf("nearby=%+v, want the peer", nearby)
	}
}

func TestComputeNearbyUnlocatedSubject(t *testing.T) {
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "peer", X: 4},
	)
	if nearby := e.ComputeNearby("me", 32); len(nearby) != 0 {
		t.Fatalf("nearby=%+v, want none for an unlocated subject", nearby)
	}
}

func TestNearbyIsSymmetricAtEqualRadius(t *testing.T) {
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "a", X: 0},
		world.ReportedPlayer{PlayerID: "b", X: 12},
	)

	aHearsB := len(e.ComputeNearby("a", 32)) == 1
	bHearsA := len(e.ComputeNearby("b", 32)) == 1
	if !aHearsB || !bHearsA {
		t.Fatalf("aHearsB=%v bHearsA=%v, want mutual audibility", aHearsB, bHearsA)
	}
}

func TestPairDistance(t *testing.T) {
	e, _, _ := newTestEngine(t,
		world.ReportedPlayer{PlayerID: "a", X: 0},
		world.ReportedPlayer{PlayerID: "b", X: 3, Y: 4},
	)

	d, ok := e.PairDistance("a", "b")
	if !ok {
		t.Fatalf("expected both players to resolve")
	}
	if math.Abs(d-5) > 1e-12 {
		t.Fatalf("distance=%v, want 5", d)
	}

	if _, ok := e.PairDistance("a", "missing"); ok {
		t.Fatalf("expected unresolvable peer to report ok=false")
	}
}

func TestHasPosition(t *testing.T) {
	e, _, reg := newTestEngine(t, world.ReportedPlayer{PlayerID: "reported"})
	reg.Register("cached", nopTransport{}, "C", 32, &registry.Position{X: 1})
	reg.Register("bare", nopTransport{}, "B", 32, nil)

	if !e.HasPosition("reported") {
		t.Fatalf("reported player should resolve")
	}
	if !e.HasPosition("cached") {
		t.Fatalf("cached self-report should resolve")
	}
	if e.HasPosition("bare") {
		t.Fatalf("client without any position should not resolve")
	}
	if e.HasPosition("missing") {
		t.Fatalf("unknown player should not resolve")
	}
}
