// Package signaling hosts the voice WebSocket transport: join/leave lifecycle,
// client self-reports, speaking fan-out, and the peer-session negotiation
// relay. It is the only writer of the connection registry.
package signaling

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/proximity-relay/internal/metrics"
	"github.com/voicebridge/proximity-relay/internal/proximity"
	"github.com/voicebridge/proximity-relay/internal/ratelimit"
	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/world"
)

const wsWriteWait = 1 * time.Second

const defaultUsername = "Player"

// Config wires together the runtime dependencies of the signaling service.
type Config struct {
	Store    *world.Store
	Registry *registry.Registry
	Engine   *proximity.Engine
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// DefaultRadius is applied when a join omits a radius or requests a
	// non-positive one.
	DefaultRadius float64

	// FallbackOfferDistance is the distance assumed when annotating an offer
	// while either party is still unlocated.
	FallbackOfferDistance float64

	// AllowedOrigins restricts browser origins for the upgrade. Empty means
	// same-host only; "*" allows any origin.
	AllowedOrigins []string

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Clock drives the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

// Server implements the WebSocket voice transport. One goroutine runs per
// connection; all shared state lives in the injected store and registry.
type Server struct {
	store    *world.Store
	registry *registry.Registry
	engine   *proximity.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger

	defaultRadius         float64
	fallbackOfferDistance float64
	allowedOrigins        []string

	maxMessageBytes      int64
	maxMessagesPerSecond int
	idleTimeout          time.Duration
	pingInterval         time.Duration
	clock                ratelimit.Clock

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	srv := &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		metrics:  m,
		log:      log,

		defaultRadius:         cfg.DefaultRadius,
		fallbackOfferDistance: cfg.FallbackOfferDistance,
		allowedOrigins:        cfg.AllowedOrigins,

		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		clock:                cfg.Clock,
	}
	srv.upgrader = websocket.Upgrader{
		CheckOrigin: srv.checkOrigin,
	}
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		srv:  s,
		conn: conn,
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.messageRate()),
			int64(s.messageRate()),
		),
	}
	c.run()
}

// Close closes every connected client transport. Used on shutdown.
func (s *Server) Close() {
	s.registry.ForEach(func(c registry.Client) {
		_ = c.Transport.Close()
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients (tests, native apps) send no Origin.
		return true
	}

	if len(s.allowedOrigins) > 0 {
		for _, allowed := range s.allowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}

	// Default: same host as the request. Scheme is deliberately not compared;
	// the relay commonly sits behind a TLS-terminating proxy.
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) messageRate() int {
	if s.maxMessagesPerSecond <= 0 {
		return 50
	}
	return s.maxMessagesPerSecond
}

func (s *Server) radiusOrDefault(radius float64) float64 {
	if radius > 0 {
		return radius
	}
	if s.defaultRadius > 0 {
		return s.defaultRadius
	}
	return 32
}

// wsClient is one connected voice client. It implements registry.Transport so
// the registry, broadcast scheduler, and relay can push to it directly.
type wsClient struct {
	srv     *Server
	conn    *websocket.Conn
	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	playerID string
	joined   bool
}

var _ registry.Transport = (*wsClient)(nil)

// Send marshals v and writes it as a single text frame. Concurrent senders
// (broadcast tick, relay, peer fan-outs) serialize on writeMu; a slow client
// fails the write deadline instead of blocking a tick.
func (c *wsClient) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *wsClient) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.maxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout()))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(stopPing)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout()))

		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.MessagesRateLimited)
			c.sendError("rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			// Malformed input is the client's problem, not the connection's:
			// report it and keep reading.
			c.sendError(err.Error())
			continue
		}

		c.dispatch(msg)
	}
}

func (c *wsClient) dispatch(msg clientMessage) {
	if msg.Type == MessageTypeJoin {
		c.handleJoin(msg)
		return
	}
	if msg.Type == MessageTypePong {
		return
	}

	playerID, joined := c.identity()
	if !joined {
		c.sendError("join first")
		return
	}

	switch msg.Type {
	case MessageTypePosition:
		c.handlePosition(playerID, msg)
	case MessageTypeSpeaking:
		c.handleSpeaking(playerID, msg)
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		c.srv.relay(msg, playerID)
	}
}

func (c *wsClient) handleJoin(msg clientMessage) {
	srv := c.srv

	prevID, wasJoined := c.identity()
	if wasJoined && prevID != msg.PlayerID {
		// Same connection re-joining under a different identity: retire the
		// old one first so peers see a clean leave.
		if srv.registry.Unregister(prevID, c) {
			srv.metrics.Inc(metrics.ClientsLeft)
			srv.notifyLeft(prevID)
		}
	}

	pos, hasStorePos := srv.store.Get(msg.PlayerID)

	username := msg.Username
	if username == "" && hasStorePos {
		username = pos.Username
	}
	if username == "" {
		username = defaultUsername
	}

	radius := srv.radiusOrDefault(msg.Radius)

	var cached *registry.Position
	if hasStorePos {
		cached = &registry.Position{X: pos.X, Y: pos.Y, Z: pos.Z, WorldID: pos.WorldID}
	}

	replaced := srv.registry.Register(msg.PlayerID, c, username, radius, cached)
	if replaced {
		srv.metrics.Inc(metrics.ClientsReplaced)
	}
	srv.metrics.Inc(metrics.ClientsJoined)

	c.mu.Lock()
	c.playerID = msg.PlayerID
	c.joined = true
	c.mu.Unlock()

	_ = c.Send(JoinedMessage{
		Type:     MessageTypeJoined,
		PlayerID: msg.PlayerID,
		Debug: JoinedDebug{
			HasPosition:  srv.engine.HasPosition(msg.PlayerID),
			TotalPlayers: srv.store.Len(),
		},
	})

	// One out-of-band push so the client does not sit silent until the next
	// broadcast tick.
	_ = c.Send(NewNearbyMessage(srv.engine.ComputeNearby(msg.PlayerID, radius)))

	srv.log.Debug("client joined",
		"player_id", msg.PlayerID,
		"username", username,
		"radius", radius,
		"replaced", replaced,
		"has_position", hasStorePos,
	)
}

func (c *wsClient) handlePosition(playerID string, msg clientMessage) {
	if msg.Position != nil {
		c.srv.registry.SetPosition(playerID, *msg.Position)
	}
	if msg.World != "" {
		c.srv.registry.SetWorld(playerID, msg.World)
	}
}

func (c *wsClient) handleSpeaking(playerID string, msg clientMessage) {
	srv := c.srv
	frame := SpeakingMessage{
		Type:     MessageTypeSpeaking,
		PlayerID: playerID,
		Speaking: *msg.Speaking,
	}
	srv.registry.ForEach(func(peer registry.Client) {
		if peer.ID == playerID {
			return
		}
		_ = peer.Transport.Send(frame)
	})
	srv.metrics.Inc(metrics.SpeakingFanouts)
}

// relay forwards a negotiation envelope to its target, annotating offers with
// a pairing volume. A missing or unwritable target is a silent drop: the
// target may be mid-reconnect, and the initiating peer-connection layer owns
// retry.
func (s *Server) relay(msg clientMessage, fromID string) {
	target, ok := s.registry.Get(msg.To)
	if !ok {
		s.metrics.Inc(metrics.SignalsDropped)
		return
	}

	fwd := signalForward{
		Type:      msg.Type,
		From:      fromID,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	}
	if msg.Type == MessageTypeOffer {
		v := s.offerVolume(fromID, msg.To)
		fwd.Volume = &v
	}

	if err := target.Transport.Send(fwd); err != nil {
		s.metrics.Inc(metrics.SignalsDropped)
		return
	}
	s.metrics.Inc(metrics.SignalsForwarded)
}

// offerVolume sizes the eventual media volume for a new pairing from the two
// parties' freshest known positions, independent of the next broadcast tick.
func (s *Server) offerVolume(fromID, toID string) float64 {
	d, ok := s.engine.PairDistance(fromID, toID)
	if !ok {
		d = s.fallbackOfferDistance
	}
	return s.engine.Volume(d)
}

func (s *Server) notifyLeft(playerID string) {
	frame := LeftMessage{Type: MessageTypeLeft, PlayerID: playerID}
	s.registry.ForEach(func(peer registry.Client) {
		if peer.ID == playerID {
			return
		}
		_ = peer.Transport.Send(frame)
	})
}

func (c *wsClient) teardown() {
	playerID, joined := c.identity()
	if joined && c.srv.registry.Unregister(playerID, c) {
		c.srv.metrics.Inc(metrics.ClientsLeft)
		c.srv.notifyLeft(playerID)
		c.srv.log.Debug("client left", "player_id", playerID)
	}
	_ = c.Close()
}

func (c *wsClient) identity() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID, c.joined
}

func (c *wsClient) sendError(message string) {
	c.srv.metrics.Inc(metrics.ErrorFramesSent)
	_ = c.Send(ErrorMessage{Type: MessageTypeError, Message: message})
}

func (c *wsClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsClient) pingLoop(stop <-chan struct{}) {
	interval := c.srv.pingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) maxMessageBytes() int64 {
	if c.srv.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return c.srv.maxMessageBytes
}

func (c *wsClient) idleTimeout() time.Duration {
	if c.srv.idleTimeout <= 0 {
		return 60 * time.Second
	}
	return c.srv.idleTimeout
}
