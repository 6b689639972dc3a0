package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/driver"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/lifecycle"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/pool"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/supervise"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// harnessOptions carries the per-invocation knobs for buildHarness.
type harnessOptions struct {
	runID       string
	hold        time.Duration
	withHistory bool
}

// harness is the assembled comparison rig for one run or suite
// invocation: the owner store, the broker, the supervisor behind the
// driver, and the run-history store.
type harness struct {
	cfg     *config.Config
	paths   *config.RunPaths
	store   *vecstore.Store
	broker  dispatch.Broker
	history *artifact.Store
	driver  *driver.Driver

	observer   *lifecycle.Observer
	stopSigLog func()
}

// buildHarness assembles the rig. The broker is always constructed (it
// dials lazily); whether it must be reachable is the driver's dependency
// precheck to decide based on the selected models.
func buildHarness(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts harnessOptions) (*harness, error) {
	paths, err := config.NewRunPaths(opts.runID)
	if err != nil {
		return nil, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	embedder, ping := buildEmbedder(cfg)

	store, err := vecstore.Open(vecstore.Options{
		Dir:      filepath.Join(paths.RunDir, "store"),
		Guard:    vecstore.GuardMode(cfg.GuardMode),
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	broker := dispatch.NewRedisBroker(cfg.RedisAddr, logger)

	sup := supervise.New(supervise.Options{
		Spawner:          &supervise.ExecSpawner{Logger: logger},
		Store:            store,
		Paths:            paths,
		Broker:           broker,
		Pools:            poolFactory(broker, store, cfg.Concurrency, logger),
		KillGrace:        cfg.KillGrace.Std(),
		HoldBeforeInsert: opts.hold,
		Logger:           logger,
	})

	var history *artifact.Store
	if opts.withHistory {
		history = openHistory(logger)
	}

	h := &harness{
		cfg:     cfg,
		paths:   paths,
		store:   store,
		broker:  broker,
		history: history,
		// Duplicated workers milestone their parent with SIGUSR1. Without
		// a notify handler the default disposition would kill this process
		// mid-run.
		observer:   lifecycle.NewObserver(),
		stopSigLog: supervise.LogChildSignals(ctx, logger),
	}
	h.driver = driver.New(driver.Options{
		Config:       cfg,
		Supervisor:   sup,
		Broker:       broker,
		History:      history,
		Paths:        paths,
		PingEmbedder: ping,
		Logger:       logger,
	})
	return h, nil
}

// Close releases the rig in reverse assembly order.
func (h *harness) Close() {
	h.stopSigLog()
	h.observer.Close()
	if h.history != nil {
		_ = h.history.Close()
	}
	_ = h.broker.Close()
	_ = h.store.Close()
}

// openHistory opens the run-history database. History is diagnostics; a
// broken database degrades to a warning rather than blocking the probe.
func openHistory(logger *slog.Logger) *artifact.Store {
	path, err := config.ArtifactDBPath()
	if err != nil {
		logger.Warn("run history disabled", "error", err)
		return nil
	}
	history, err := artifact.Open(path, logger)
	if err != nil {
		logger.Warn("run history disabled", "path", path, "error", err)
		return nil
	}
	return history
}

// buildEmbedder constructs the configured embedder and, for kinds backed
// by a live server, its health probe.
func buildEmbedder(cfg *config.Config) (vecstore.Embedder, func(context.Context) error) {
	if cfg.Embedder.Kind == "ollama" {
		e := vecstore.NewOllamaEmbedder(cfg.Embedder.OllamaURL, cfg.Embedder.Model, cfg.Embedder.Dimensions)
		return e, e.Ping
	}
	return vecstore.NewMockEmbedder(cfg.Embedder.Dimensions), nil
}

// poolFactory adapts the broker and store into per-model pools running
// the shared-handle insert workload.
func poolFactory(broker dispatch.Broker, store *vecstore.Store, concurrency int, logger *slog.Logger) supervise.PoolFactory {
	handler := supervise.InsertHandler(store, logger)
	return func(spec protocol.ModelSpec) (pool.Pool, error) {
		return pool.ForModel(spec.Model, broker, handler, concurrency, logger)
	}
}

// newRunID names a run directory. UTC timestamps sort chronologically in
// a directory listing, unlike the uuid keys the history database uses.
func newRunID() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
