// ABOUTME: Composition root wiring the store, registry, monitors, guardian, and HTTP surface
// ABOUTME: Runs all long-lived loops under one errgroup with graceful HTTP shutdown

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kivo360/warden/internal/anomaly"
	"github.com/kivo360/warden/internal/api"
	"github.com/kivo360/warden/internal/config"
	"github.com/kivo360/warden/internal/events"
	"github.com/kivo360/warden/internal/fleet"
	"github.com/kivo360/warden/internal/guardian"
	"github.com/kivo360/warden/internal/heartbeat"
	"github.com/kivo360/warden/internal/quarantine"
	"github.com/kivo360/warden/internal/restart"
	"github.com/kivo360/warden/internal/store"
)

// Daemon owns every long-lived component of the supervision core.
type Daemon struct {
	config   *config.Config
	logger   *slog.Logger
	store    store.Store
	bus      *events.Bus
	registry *fleet.Registry
	tracker  *heartbeat.Tracker
	monitors []*heartbeat.Monitor
	guardian *guardian.Guardian
	server   *http.Server
}

// Options carries the external collaborators the daemon cannot provide
// itself. Nil fields get logging stand-ins so the daemon runs without a
// runtime integration.
type Options struct {
	Controller  restart.Controller
	Reassigner  restart.TaskReassigner
	Reallocator guardian.Reallocator
}

// New wires all components from configuration. The returned daemon does
// nothing until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if opts.Controller == nil {
		opts.Controller = nopController{logger: logger}
	}

	bus := events.NewBus(logger)
	registry := fleet.NewRegistry(st, bus, logger, cfg.Fleet.SpawnTimeout)

	detector := anomaly.NewDetector(st, bus, nil, anomaly.Config{
		Weights: anomaly.Weights{
			Latency:    cfg.Anomaly.Weights.Latency,
			ErrorRate:  cfg.Anomaly.Weights.ErrorRate,
			Resource:   cfg.Anomaly.Weights.Resource,
			Completion: cfg.Anomaly.Weights.Completion,
		},
		Threshold:         cfg.Anomaly.Threshold,
		CPUCeilingPercent: cfg.Anomaly.CPUCeilingPercent,
		MemoryCeilingMB:   cfg.Anomaly.MemoryCeilingMB,
		BaselineWindow:    cfg.Anomaly.BaselineWindow,
	}, logger)

	orchestrator := restart.NewOrchestrator(registry, st, bus, opts.Controller, opts.Reassigner, nil, restart.Config{
		GracefulTimeout: cfg.Restart.GracefulTimeout,
		Window:          cfg.Restart.Window,
		Ceiling:         cfg.Restart.Ceiling,
	}, logger)

	qm := quarantine.NewManager(registry, st, bus, detector, opts.Reassigner, quarantine.Config{
		MaxLineageDepth:      cfg.Resurrection.MaxDepth,
		BaselineInheritDecay: cfg.Resurrection.BaselineDecay,
	}, logger)
	detector.SetQuarantiner(qm)

	g := guardian.New(st, registry, orchestrator, opts.Reallocator, bus, guardian.Config{
		LeaseDuration:  cfg.Guardian.LeaseDuration,
		RenewInterval:  cfg.Guardian.RenewInterval,
		OverrideWindow: cfg.Guardian.OverrideWindow,
		OverrideLimit:  cfg.Guardian.OverrideLimit,
	}, logger)
	orchestrator.SetEscalator(g)

	tracker := heartbeat.NewTracker(registry, st, bus, detector, orchestrator, heartbeat.Config{
		IdleTTL:            cfg.Heartbeat.IdleTTL,
		RunningTTL:         cfg.Heartbeat.RunningTTL,
		RunningHighLoadTTL: cfg.Heartbeat.RunningHighLoadTTL,
		DegradedTTL:        cfg.Heartbeat.DegradedTTL,
		WatchdogCadence:    cfg.Heartbeat.WatchdogCadence,
		WatchdogTTL:        cfg.Heartbeat.WatchdogTTL,
		WarnAfter:          cfg.Heartbeat.WarnAfter,
		DegradeAfter:       cfg.Heartbeat.DegradeAfter,
		UnresponsiveAfter:  cfg.Heartbeat.UnresponsiveAfter,
	}, logger)

	// One monitor per fanout-sized partition of the fleet at startup,
	// hash-assigned so no agent is watched twice. Growth past the sized
	// capacity is absorbed by each monitor's rotating sweep, which spreads
	// an oversized partition across successive ticks.
	monitorCount := 1
	if cfg.Heartbeat.MonitorFanout > 0 {
		live, err := registry.Live(context.Background())
		if err == nil && len(live) > cfg.Heartbeat.MonitorFanout {
			monitorCount = (len(live) + cfg.Heartbeat.MonitorFanout - 1) / cfg.Heartbeat.MonitorFanout
		}
	}
	monitors := make([]*heartbeat.Monitor, 0, monitorCount)
	for i := 0; i < monitorCount; i++ {
		monitors = append(monitors, heartbeat.NewMonitor(i, monitorCount, cfg.Heartbeat.MonitorFanout, cfg.Heartbeat.MonitorTick, tracker, registry, logger))
	}

	mux := http.NewServeMux()
	api.New(tracker, registry, orchestrator, qm, g, logger).RegisterRoutes(mux)

	return &Daemon{
		config:   cfg,
		logger:   logger,
		store:    st,
		bus:      bus,
		registry: registry,
		tracker:  tracker,
		monitors: monitors,
		guardian: g,
		server: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the HTTP server, heartbeat monitors, spawn-timeout sweeper, and
// guardian election loop, blocking until ctx is cancelled or a component
// fails. Returns nil on graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		d.logger.Info("HTTP server listening", "addr", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	for _, m := range d.monitors {
		m := m
		grp.Go(func() error { return m.Run(ctx) })
	}

	grp.Go(func() error { return d.runSpawnSweeper(ctx) })

	grp.Go(func() error {
		err := d.guardian.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err := grp.Wait()
	d.bus.Close()
	if cerr := d.store.Close(); cerr != nil {
		d.logger.Error("closing store", "error", cerr)
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// runSpawnSweeper fails agents stuck in SPAWNING past the spawn timeout.
func (d *Daemon) runSpawnSweeper(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Fleet.SpawnTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.registry.SweepSpawnTimeouts(ctx); err != nil {
				d.logger.Error("spawn timeout sweep failed", "error", err)
			}
		}
	}
}

// Events exposes the daemon's event bus for subscribers.
func (d *Daemon) Events() *events.Bus { return d.bus }

// nopController stands in when no runtime integration is configured. Stops
// succeed immediately so restarts degrade to record-keeping and replacement
// spawning.
type nopController struct {
	logger *slog.Logger
}

func (c nopController) StopGracefully(_ context.Context, agentID string) error {
	c.logger.Debug("no runtime controller, graceful stop is a no-op", "agent_id", agentID)
	return nil
}

func (c nopController) ForceKill(_ context.Context, agentID string) error {
	c.logger.Debug("no runtime controller, force kill is a no-op", "agent_id", agentID)
	return nil
}
