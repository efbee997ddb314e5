package signaling

import (
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/proximity-relay/internal/metrics"
	"github.com/voicebridge/proximity-relay/internal/proximity"
	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/world"
)

type testEnv struct {
	store    *world.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	server   *Server
	http     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := world.NewStore()
	reg := registry.New()
	m := metrics.New()
	engine := proximity.NewEngine(store, reg, 0)

	srv := NewServer(Config{
		Store:                 store,
		Registry:              reg,
		Engine:                engine,
		Metrics:               m,
		DefaultRadius:         32,
		FallbackOfferDistance: 32,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{
		store:    store,
		registry: reg,
		metrics:  m,
		server:   srv,
		http:     ts,
	}
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// frame is the superset of every server->client payload, decoded leniently.
type frame struct {
	Type     string                  `json:"type"`
	PlayerID string                  `json:"playerId"`
	Message  string                  `json:"message"`
	Players  []proximity.NearbyEntry `json:"players"`
	Debug    *JoinedDebug            `json:"debug"`
	From     string                  `json:"from"`
	SDP      json.RawMessage         `json:"sdp"`
	Volume   *float64                `json:"volume"`
	Speaking bool                    `json:"speaking"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// join performs the join handshake and consumes the joined and initial nearby
// frames, returning both.
func join(t *testing.T, conn *websocket.Conn, playerID string) (frame, frame) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "join", "playerId": playerID})

	joined := readFrame(t, conn)
	if joined.Type != "joined" {
		t.Fatalf("first frame=%q, want joined", joined.Type)
	}
	if joined.PlayerID != playerID {
		t.Fatalf("joined playerId=%q, want %q", joined.PlayerID, playerID)
	}

	nearby := readFrame(t, conn)
	if nearby.Type != "nearby" {
		t.Fatalf("second frame=%q, want nearby", nearby.Type)
	}
	return joined, nearby
}

func TestJoinHandshakeUnknownPlayer(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	joined, nearby := join(t, conn, "p1")

	if joined.Debug == nil {
		t.Fatalf("joined carries no debug block")
	}
	if joined.Debug.HasPosition {
		t.Fatalf("hasPosition=true for a player never reported")
	}
	if joined.Debug.TotalPlayers != 0 {
		t.Fatalf("totalPlayers=%d, want 0", joined.Debug.TotalPlayers)
	}
	if nearby.Players == nil || len(nearby.Players) != 0 {
		t.Fatalf("initial nearby=%+v, want empty non-nil list", nearby.Players)
	}
}

func TestJoinHandshakeTrackedPlayer(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.Ingest([]world.ReportedPlayer{
		{PlayerID: "p1", X: 0},
		{PlayerID: "p2", X: 10, Username: "Peer"},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	conn := env.dial(t)
	joined, nearby := join(t, conn, "p1")

	if !joined.Debug.HasPosition {
		t.Fatalf("hasPosition=false for a tracked player")
	}
	if joined.Debug.TotalPlayers != 2 {
		t.Fatalf("totalPlayers=%d, want 2", joined.Debug.TotalPlayers)
	}
	if len(nearby.Players) != 1 || nearby.Players[0].ID != "p2" {
		t.Fatalf("nearby=%+v, want just p2", nearby.Players)
	}
	want := math.Exp(-0.02 * 10)
	if math.Abs(nearby.Players[0].Volume-want) > 1e-9 {
		t.Fatalf("volume=%v, want %v", nearby.Players[0].Volume, want)
	}
}

func TestPreJoinMessagesRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	writeFrame(t, conn, map[string]any{"type": "speaking", "speaking": true})

	f := readFrame(t, conn)
	if f.Type != "error" || f.Message != "join first" {
		t.Fatalf("frame=%+v, want join-first error", f)
	}

	// The connection is still usable.
	if joined, _ := join(t, conn, "p1"); joined.PlayerID != "p1" {
		t.Fatalf("join after error failed")
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	join(t, conn, "p1")

	writeFrame(t, conn, map[string]any{"type": "teleport"})

	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("frame=%+v, want error for unknown type", f)
	}

	// Next message on the same connection still works.
	writeFrame(t, conn, map[string]any{"type": "position", "world": "nether"})
	waitFor(t, func() bool {
		c, ok := env.registry.Get("p1")
		return ok && c.Position != nil && c.Position.WorldID == "nether"
	})
}

func TestPositionSelfReport(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	join(t, conn, "p1")

	writeFrame(t, conn, map[string]any{
		"type":     "position",
		"position": map[string]any{"x": 1.0, "y": 2.0, "z": 3.0},
	})

	waitFor(t, func() bool {
		c, ok := env.registry.Get("p1")
		return ok && c.Position != nil && c.Position.X == 1 && c.Position.Z == 3
	})
}

func TestSpeakingFanout(t *testing.T) {
	env := newTestEnv(t)
	speaker := env.dial(t)
	listener := env.dial(t)
	join(t, speaker, "p1")
	join(t, listener, "p2")

	writeFrame(t, speaker, map[string]any{"type": "speaking", "speaking": true})

	f := readFrame(t, listener)
	if f.Type != "speaking" || f.PlayerID != "p1" || !f.Speaking {
		t.Fatalf("frame=%+v, want speaking from p1", f)
	}
}

func TestOfferRelayCarriesVolume(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.Ingest([]world.ReportedPlayer{
		{PlayerID: "p1", X: 0},
		{PlayerID: "p2", X: 10},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	caller := env.dial(t)
	callee := env.dial(t)
	join(t, caller, "p1")
	join(t, callee, "p2")

	writeFrame(t, caller, map[string]any{
		"type": "webrtc-offer",
		"to":   "p2",
		"sdp":  map[string]any{"type": "offer", "sdp": "v=0"},
	})

	f := readFrame(t, callee)
	if f.Type != "webrtc-offer" || f.From != "p1" {
		t.Fatalf("frame=%+v, want offer from p1", f)
	}
	if len(f.SDP) == 0 {
		t.Fatalf("offer lost its sdp payload")
	}
	if f.Volume == nil {
		t.Fatalf("offer carries no volume annotation")
	}
	want := math.Exp(-0.02 * 10)
	if math.Abs(*f.Volume-want) > 1e-9 {
		t.Fatalf("volume=%v, want %v", *f.Volume, want)
	}
}

func TestOfferVolumeFallbackWhenUnlocated(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t)
	callee := env.dial(t)
	join(t, caller, "p1")
	join(t, callee, "p2")

	writeFrame(t, caller, map[string]any{"type": "webrtc-offer", "to": "p2"})

	f := readFrame(t, callee)
	if f.Volume == nil {
		t.Fatalf("offer carries no volume annotation")
	}
	want := math.Exp(-0.02 * 32)
	if math.Abs(*f.Volume-want) > 1e-9 {
		t.Fatalf("volume=%v, want fallback-distance %v", *f.Volume, want)
	}
}

func TestAnswerAndCandidateRelayWithoutVolume(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t)
	callee := env.dial(t)
	join(t, caller, "p1")
	join(t, callee, "p2")

	writeFrame(t, callee, map[string]any{
		"type": "webrtc-answer",
		"to":   "p1",
		"sdp":  map[string]any{"type": "answer"},
	})
	f := readFrame(t, caller)
	if f.Type != "webrtc-answer" || f.From != "p2" {
		t.Fatalf("frame=%+v, want answer from p2", f)
	}
	if f.Volume != nil {
		t.Fatalf("answer must not carry a volume annotation")
	}

	writeFrame(t, callee, map[string]any{
		"type":      "webrtc-ice",
		"to":        "p1",
		"candidate": map[string]any{"candidate": "candidate:0"},
	})
	f = readFrame(t, caller)
	if f.Type != "webrtc-ice" || f.Volume != nil {
		t.Fatalf("frame=%+v, want plain candidate relay", f)
	}
}

func TestRelayToUnknownTargetIsSilentlyDropped(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t)
	callee := env.dial(t)
	join(t, caller, "p1")
	join(t, callee, "p2")

	writeFrame(t, caller, map[string]any{"type": "webrtc-offer", "to": "nobody"})
	// A second, routable offer acts as a barrier: frames on one connection are
	// processed in order, so once it arrives the drop has been counted.
	writeFrame(t, caller, map[string]any{"type": "webrtc-offer", "to": "p2"})

	if f := readFrame(t, callee); f.Type != "webrtc-offer" {
		t.Fatalf("frame=%+v, want the routable offer", f)
	}
	if got := env.metrics.Get(metrics.SignalsDropped); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	env := newTestEnv(t)
	leaver := env.dial(t)
	observer := env.dial(t)
	join(t, leaver, "p1")
	join(t, observer, "p2")

	_ = leaver.Close()

	f := readFrame(t, observer)
	if f.Type != "left" || f.PlayerID != "p1" {
		t.Fatalf("frame=%+v, want left for p1", f)
	}

	waitFor(t, func() bool {
		_, ok := env.registry.Get("p1")
		return !ok
	})
}

func TestRejoinReplacesOldConnection(t *testing.T) {
	env := newTestEnv(t)
	stale := env.dial(t)
	join(t, stale, "p1")

	fresh := env.dial(t)
	join(t, fresh, "p1")

	// The stale socket is closed by the replacement.
	_ = stale.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := stale.ReadMessage(); err != nil {
			break
		}
	}

	// Its teardown must not evict the fresh registration.
	time.Sleep(50 * time.Millisecond)
	c, ok := env.registry.Get("p1")
	if !ok {
		t.Fatalf("fresh registration evicted by stale teardown")
	}
	if c.Transport == nil {
		t.Fatalf("registration lost its transport")
	}
	if got := env.metrics.Get(metrics.ClientsReplaced); got != 1 {
		t.Fatalf("replaced=%d, want 1", got)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	store := world.NewStore()
	reg := registry.New()
	engine := proximity.NewEngine(store, reg, 0)
	srv := NewServer(Config{
		Store:                store,
		Registry:             reg,
		Engine:               engine,
		Metrics:              metrics.New(),
		MaxMessagesPerSecond: 2,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "pong"}); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawError := false
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err=%v, want policy violation", err)
			}
			break
		}
		if f.Type == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error frame before the close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}
