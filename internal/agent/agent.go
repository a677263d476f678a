// Package agent is the composition root: it wires the operation queue, cache
// store and realtime channel together with a shared clock, logger and dispatch
// bus, the way the surrounding application would.
package agent

import (
	"context"
	"encoding/json"

	"github.com/benbjohnson/clock"

	"github.com/Asim971/pharmaflow-sync/internal/core/cache"
	"github.com/Asim971/pharmaflow-sync/internal/core/dispatch"
	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
	"github.com/Asim971/pharmaflow-sync/internal/core/queue"
	"github.com/Asim971/pharmaflow-sync/internal/core/realtime"
	"github.com/Asim971/pharmaflow-sync/internal/core/transport"
)

// Payload is the opaque domain payload moved through the queue and cache. The
// agent stays shape-agnostic; call sites with concrete types instantiate their
// own cores.
type Payload = json.RawMessage

// Agent owns one instance of each sync core.
type Agent struct {
	cfg    Config
	logger log.Log
	clk    clock.Clock

	Bus      *dispatch.Bus
	Cache    *cache.Store[Payload]
	Sync     *queue.Synchronizer[Payload]
	Realtime *realtime.Channel
}

// New builds a fully wired agent.
func New(cfg Config) *Agent {
	logger := log.New(parseLogLevel(cfg.LogLevel))
	clk := clock.New()
	bus := dispatch.NewBus()

	httpClient := transport.NewHTTPClient(cfg.APIBaseURL, cfg.HealthPath, cfg.RequestTimeout, logger)

	var persister cache.Persister
	if cfg.Cache.PersistPath != "" {
		persister = cache.NewFilePersister(cfg.Cache.PersistPath)
	}
	store := cache.New[Payload](cache.Config{
		MemoryCeiling:       cfg.Cache.MemoryCeiling,
		MaintenanceInterval: cfg.Cache.MaintenanceInterval,
		IntegrityChecks:     cfg.Cache.IntegrityChecks,
	}, clk, logger, bus, persister)

	sync := queue.NewSynchronizer[Payload](cfg.Sync, httpClient, store, clk, logger, bus)

	channel := realtime.NewChannel(cfg.Realtime, nil, clk, logger, bus)

	// Server-originated change events invalidate the matching read caches,
	// independent of the queue.
	channel.OnEvent("", func(ev realtime.Event) {
		if tags := realtime.CacheTags(ev.Type); len(tags) > 0 {
			store.InvalidateByTags(tags...)
		}
	})

	return &Agent{
		cfg:      cfg,
		logger:   logger.With(log.String("component", "agent")),
		clk:      clk,
		Bus:      bus,
		Cache:    store,
		Sync:     sync,
		Realtime: channel,
	}
}

// Start brings up background maintenance, auto sync, and the realtime
// connection. A failed initial connect is logged, not fatal: the agent is
// offline-first and the channel reconnects once the caller retries.
func (a *Agent) Start(ctx context.Context) error {
	a.Cache.StartMaintenance()
	a.Sync.Start(ctx)

	if err := a.Realtime.Connect(a.cfg.Credential); err != nil {
		a.logger.Warn("initial realtime connect failed, continuing offline", log.Error(err))
	}

	a.logger.Info("sync agent started")
	return nil
}

// Stop tears everything down.
func (a *Agent) Stop() error {
	a.Sync.Stop()
	a.Cache.Stop()
	a.Realtime.Disconnect()

	a.logger.Info("sync agent stopped")
	return nil
}
