package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "VOICE_RELAY_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarPublicDir       = "VOICE_RELAY_PUBLIC_DIR"
	envVarMode            = "VOICE_RELAY_MODE"
	envVarLogFormat       = "VOICE_RELAY_LOG_FORMAT"
	envVarLogLevel        = "VOICE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "VOICE_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Proximity engine knobs.
	envVarBroadcastInterval     = "BROADCAST_INTERVAL"
	envVarDefaultRadius         = "DEFAULT_RADIUS"
	envVarVolumeDecay           = "VOLUME_DECAY"
	envVarFallbackOfferDistance = "FALLBACK_OFFER_DISTANCE"

	// Ingest + WebSocket hardening.
	envVarMaxIngestBodyBytes            = "MAX_INGEST_BODY_BYTES"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout                 = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "WS_PING_INTERVAL"
)

const (
	// DefaultListenAddr matches the port the game-server plugin reports to out
	// of the box.
	DefaultListenAddr = ":25566"
	DefaultPublicDir  = "public"
	DefaultShutdown   = 15 * time.Second

	DefaultMode Mode = ModeDev

	// DefaultBroadcastInterval is the cadence of the nearby recomputation tick.
	// Each tick carries current truth; a missed delivery is superseded by the
	// next tick rather than retried.
	DefaultBroadcastInterval = 100 * time.Millisecond

	// DefaultRadius is the audible radius, in world units, used when a joining
	// client does not request one.
	DefaultRadius float64 = 32

	// DefaultVolumeDecay is the exponential decay constant k in
	// volume = exp(-k * distance).
	DefaultVolumeDecay float64 = 0.02

	DefaultMaxIngestBodyBytes            = int64(2 << 20)
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultWSIdleTimeout  = 60 * time.Second
	DefaultWSPingInterval = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries all runtime configuration for the relay.
//
// Values come from environment variables with flag overrides; env values become
// flag defaults so either mechanism works in deployment scripts.
type Config struct {
	// ListenAddr is the HTTP listen address (host:port). The same listener
	// serves position ingest, the WebSocket voice transport, and the static
	// web client.
	ListenAddr string

	// PublicDir is the directory the web client bundle is served from.
	PublicDir string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins restricts which browser origins may open the voice
	// WebSocket. Empty means same-host only; "*" allows any origin.
	AllowedOrigins []string

	// BroadcastInterval is the nearby recomputation tick interval.
	BroadcastInterval time.Duration

	// DefaultRadius is the audible radius used when a client's join message
	// omits one (or requests a non-positive one).
	DefaultRadius float64

	// VolumeDecay is the k in volume = exp(-k * distance).
	VolumeDecay float64

	// FallbackOfferDistance is the distance assumed when annotating a
	// webrtc-offer with a volume while either party's position is still
	// unknown. Defaults to DefaultRadius when unset.
	FallbackOfferDistance float64

	MaxIngestBodyBytes            int64
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	// ICEServers is the STUN/TURN list handed to browser clients so they can
	// construct their peer connections. The relay itself never opens a
	// PeerConnection; media flows peer to peer.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a deferred ICE configuration parse error.
//
// ICE misconfiguration is surfaced via /readyz and /webrtc/ice rather than
// failing startup: the proximity broadcast works without any ICE servers on
// a LAN, so a bad TURN URL should not take the whole relay down.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, "")
	if listenAddr == "" {
		// The original deployment configures just PORT.
		if port, ok := lookup(envVarPort); ok && strings.TrimSpace(port) != "" {
			p, err := strconv.Atoi(strings.TrimSpace(port))
			if err != nil || p <= 0 || p > 65535 {
				return Config{}, fmt.Errorf("invalid %s %q", envVarPort, port)
			}
			listenAddr = ":" + strconv.Itoa(p)
		} else {
			listenAddr = DefaultListenAddr
		}
	}

	publicDir := envOrDefault(lookup, envVarPublicDir, DefaultPublicDir)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	broadcastInterval := DefaultBroadcastInterval
	if raw, ok := lookup(envVarBroadcastInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarBroadcastInterval, raw, err)
		}
		broadcastInterval = d
	}

	defaultRadius, err := envFloatOrDefault(lookup, envVarDefaultRadius, DefaultRadius)
	if err != nil {
		return Config{}, err
	}
	volumeDecay, err := envFloatOrDefault(lookup, envVarVolumeDecay, DefaultVolumeDecay)
	if err != nil {
		return Config{}, err
	}

	envFallback, envFallbackOK := lookup(envVarFallbackOfferDistance)
	envFallbackSet := envFallbackOK && strings.TrimSpace(envFallback) != ""
	fallbackOfferDistance, err := envFloatOrDefault(lookup, envVarFallbackOfferDistance, 0)
	if err != nil {
		return Config{}, err
	}

	maxIngestBodyBytes, err := envInt64OrDefault(lookup, envVarMaxIngestBodyBytes, DefaultMaxIngestBodyBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	wsIdleTimeout := DefaultWSIdleTimeout
	if raw, ok := lookup(envVarWSIdleTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWSIdleTimeout, raw, err)
		}
		wsIdleTimeout = d
	}
	wsPingInterval := DefaultWSPingInterval
	if raw, ok := lookup(envVarWSPingInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWSPingInterval, raw, err)
		}
		wsPingInterval = d
	}

	fs := flag.NewFlagSet("proximity-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&publicDir, "public-dir", publicDir, "Directory to serve the web client from (env "+envVarPublicDir+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&broadcastInterval, "broadcast-interval", broadcastInterval, "Nearby broadcast tick interval (env "+envVarBroadcastInterval+")")
	fs.Float64Var(&defaultRadius, "default-radius", defaultRadius, "Default audible radius in world units (env "+envVarDefaultRadius+")")
	fs.Float64Var(&volumeDecay, "volume-decay", volumeDecay, "Exponential volume decay constant k (env "+envVarVolumeDecay+")")
	fs.Float64Var(&fallbackOfferDistance, "fallback-offer-distance", fallbackOfferDistance, "Distance assumed for offer volume when a position is unknown (default: default radius; env "+envVarFallbackOfferDistance+")")

	fs.Int64Var(&maxIngestBodyBytes, "max-ingest-body-bytes", maxIngestBodyBytes, "Max POST /positions body size in bytes (env "+envVarMaxIngestBodyBytes+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound WS messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if publicDir == "" {
		return Config{}, fmt.Errorf("%s/--public-dir must not be empty", envVarPublicDir)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if broadcastInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--broadcast-interval must be > 0", envVarBroadcastInterval)
	}
	if defaultRadius <= 0 {
		return Config{}, fmt.Errorf("%s/--default-radius must be > 0", envVarDefaultRadius)
	}
	if volumeDecay < 0 {
		return Config{}, fmt.Errorf("%s/--volume-decay must be >= 0", envVarVolumeDecay)
	}
	if maxIngestBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-ingest-body-bytes must be > 0", envVarMaxIngestBodyBytes)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0 and < the idle timeout", envVarWSPingInterval)
	}

	if !envFallbackSet && !setFlags["fallback-offer-distance"] {
		fallbackOfferDistance = defaultRadius
	}
	if fallbackOfferDistance < 0 {
		return Config{}, fmt.Errorf("%s/--fallback-offer-distance must be >= 0", envVarFallbackOfferDistance)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicDir:       publicDir,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),

		BroadcastInterval:     broadcastInterval,
		DefaultRadius:         defaultRadius,
		VolumeDecay:           volumeDecay,
		FallbackOfferDistance: fallbackOfferDistance,

		MaxIngestBodyBytes:            maxIngestBodyBytes,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		WSIdleTimeout:  wsIdleTimeout,
		WSPingInterval: wsPingInterval,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
