package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/voicebridge/proximity-relay/internal/broadcast"
	"github.com/voicebridge/proximity-relay/internal/config"
	"github.com/voicebridge/proximity-relay/internal/httpserver"
	"github.com/voicebridge/proximity-relay/internal/metrics"
	"github.com/voicebridge/proximity-relay/internal/proximity"
	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/signaling"
	"github.com/voicebridge/proximity-relay/internal/world"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting proximity-relay",
		"listen_addr", cfg.ListenAddr,
		"public_dir", cfg.PublicDir,
		"mode", cfg.Mode,
		"broadcast_interval", cfg.BroadcastInterval,
		"default_radius", cfg.DefaultRadius,
		"volume_decay", cfg.VolumeDecay,
		"fallback_offer_distance", cfg.FallbackOfferDistance,
		"ice_servers", len(cfg.ICEServers),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid; peers limited to host candidates", "err", err)
	}

	m := metrics.New()
	store := world.NewStore()
	reg := registry.New()
	engine := proximity.NewEngine(store, reg, cfg.VolumeDecay)

	sig := signaling.NewServer(signaling.Config{
		Store:    store,
		Registry: reg,
		Engine:   engine,
		Metrics:  m,
		Logger:   logger,

		DefaultRadius:         cfg.DefaultRadius,
		FallbackOfferDistance: cfg.FallbackOfferDistance,
		AllowedOrigins:        cfg.AllowedOrigins,

		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("POST /positions", httpserver.NewIngestHandler(store, m, cfg.MaxIngestBodyBytes, logger))
	srv.Mux().Handle("GET /ws", sig)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := broadcast.NewScheduler(store, reg, engine, m, logger, cfg.BroadcastInterval)
	go scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
