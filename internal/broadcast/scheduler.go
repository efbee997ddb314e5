// Package broadcast drives the periodic nearby recomputation for every
// connected client.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicebridge/proximity-relay/internal/metrics"
	"github.com/voicebridge/proximity-relay/internal/proximity"
	"github.com/voicebridge/proximity-relay/internal/registry"
	"github.com/voicebridge/proximity-relay/internal/signaling"
	"github.com/voicebridge/proximity-relay/internal/world"
)

// Scheduler recomputes and pushes nearby lists on a fixed cadence. There is
// exactly one scheduler per process; it is the single driver of proximity
// recomputation, while each connection's own goroutine handles inbound
// messages concurrently.
type Scheduler struct {
	store    *world.Store
	registry *registry.Registry
	engine   *proximity.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger

	interval time.Duration
}

func NewScheduler(store *world.Store, reg *registry.Registry, engine *proximity.Engine, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Scheduler {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Scheduler{
		store:    store,
		registry: reg,
		engine:   engine,
		metrics:  m,
		log:      logger,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("broadcast scheduler running", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("broadcast scheduler stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one broadcast cycle: for every connected client, re-sync its
// cached position from the position store, recompute its nearby list, and push
// it. Delivery is fire-and-forget; a client whose transport is not writable
// misses this tick and is caught up by the next one.
//
// Tick never blocks on transport I/O while holding a lock: the registry hands
// out a snapshot, and position lookups and volume math are pure.
func (s *Scheduler) Tick() {
	s.metrics.Inc(metrics.BroadcastTicks)

	s.registry.ForEach(func(c registry.Client) {
		// The store owns x/y/z/world for any player it tracks; the client's
		// self-reported values only stand in while the plugin has not yet
		// reported that player.
		if pos, ok := s.store.Get(c.ID); ok {
			s.registry.SyncFromStore(c.ID, pos)
		}

		nearby := s.engine.ComputeNearby(c.ID, c.Radius)
		if err := c.Transport.Send(signaling.NewNearbyMessage(nearby)); err != nil {
			s.metrics.Inc(metrics.NearbyPushFailures)
			return
		}
		s.metrics.Inc(metrics.NearbyPushes)
	})
}
