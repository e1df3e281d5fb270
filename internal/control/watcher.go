package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/keywatcher/internal/indexing/fetcher"
	"github.com/vietddude/keywatcher/internal/indexing/health"
	"github.com/vietddude/keywatcher/internal/indexing/keys"
	"github.com/vietddude/keywatcher/internal/indexing/recovery"
	"github.com/vietddude/keywatcher/internal/indexing/version"
	"github.com/vietddude/keywatcher/internal/indexing/window"
	"github.com/vietddude/keywatcher/internal/infra/chain"
	"github.com/vietddude/keywatcher/internal/infra/chain/evm"
	"github.com/vietddude/keywatcher/internal/infra/rpc"
	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
	"github.com/vietddude/keywatcher/internal/infra/rpc/routing"
)

// Watcher is the main application struct that manages the indexer lifecycle.
type Watcher struct {
	cfg          Config
	stores       *stores
	client       *rpc.Client
	source       *evm.Source
	window       *window.Window
	manager      *keys.Manager
	prober       *fetcher.Prober
	recovery     *recovery.Handler
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(cfg Config) (*Watcher, error) {
	log := slog.Default().With("component", "watcher")

	if len(cfg.Chain.Providers) == 0 {
		return nil, fmt.Errorf("no rpc providers configured")
	}

	// 1. RPC transport
	router := routing.NewRouter()
	for _, p := range cfg.Chain.Providers {
		router.AddProvider(provider.NewHTTPProvider(p.Name, p.URL, cfg.Chain.RPCTimeout))
	}
	retryCfg := routing.DefaultRetryConfig
	if cfg.Chain.RPCMaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Chain.RPCMaxAttempts
	}
	client := rpc.NewClient(router, retryCfg, slog.Default())

	// 2. Chain adapters
	source := evm.NewSource(client, cfg.Chain.PollInterval, slog.Default())
	registry, err := evm.NewRegistry(client, cfg.Chain.RegistryAddress)
	if err != nil {
		return nil, err
	}

	// 3. Storage
	st, err := openStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	// 4. Engine
	resolver := version.NewResolver(registry, cfg.Keys.FetchConcurrency, slog.Default())
	keyFetcher := fetcher.New(registry, fetcher.Config{
		MaxRetries:  cfg.Keys.MaxRetries,
		Concurrency: cfg.Keys.FetchConcurrency,
		RetryDelay:  cfg.Keys.RetryDelay,
	}, slog.Default())

	manager := keys.New(keys.Config{
		PageSize:      cfg.Keys.PageSize,
		AwaitInterval: cfg.Keys.AwaitInterval,
	}, resolver, keyFetcher, st.blocks, st.keys, st.failed, slog.Default())

	win := window.New(source, window.Config{KeepDepth: cfg.Chain.KeepDepth}, slog.Default())

	var prober *fetcher.Prober
	if cfg.Keys.AutoBatchSize {
		prober = fetcher.NewProber(registry, registry.Address(), st.sizeCache,
			cfg.Keys.BatchSizeLow, cfg.Keys.BatchSizeHigh, slog.Default())
	}

	// 5. Recovery
	strategy := recovery.DefaultBackoff(recovery.ClassifyJobError)
	if cfg.Keys.MaxJobRetries > 0 {
		strategy.MaxAttempts = cfg.Keys.MaxJobRetries
	}
	recoveryHandler := recovery.NewHandler(st.failed, manager.Retry, strategy, slog.Default())

	// 6. Health
	heads := chain.NewHeadCache(source, cfg.Chain.PollInterval)
	healthMon := health.NewMonitor(win, manager, client, heads, st.failed)
	healthServer := health.NewServer(healthMon, cfg.Port)

	return &Watcher{
		cfg:          cfg,
		stores:       st,
		client:       client,
		source:       source,
		window:       win,
		manager:      manager,
		prober:       prober,
		recovery:     recoveryHandler,
		healthMon:    healthMon,
		healthServer: healthServer,
		log:          log,
	}, nil
}

// Start starts the watcher and all its components.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	// Start Health Server
	go func() {
		if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if w.stores.db != nil {
		w.stores.db.StartMetricsCollector(ctx)
	}

	if w.prober != nil {
		w.goRun(func() { w.probeBatchSize(ctx) })
	}

	w.goRun(func() {
		w.log.Info("Starting block window", "keep_depth", w.cfg.Chain.KeepDepth)
		if err := w.window.Run(ctx, w.manager); err != nil && ctx.Err() == nil {
			w.log.Error("Block window stopped", "error", err)
		}
	})

	interval := w.cfg.Keys.RecoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.goRun(func() { w.recovery.Run(ctx, interval) })

	return nil
}

func (w *Watcher) goRun(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// probeBatchSize raises the page size to the largest one the node serves.
func (w *Watcher) probeBatchSize(ctx context.Context) {
	head, err := w.source.GetBlockByTag(ctx, chain.TagFinalized)
	if err != nil {
		w.log.Warn("Batch size probe skipped", "error", err)
		return
	}
	size, err := w.prober.MaxBatchSize(ctx, head.Number)
	if err != nil {
		w.log.Warn("Batch size probe failed", "error", err)
		return
	}
	w.manager.SetPageSize(size)
	w.log.Info("Using probed page size", "size", size)
}

// Stop stops the watcher and waits for in-flight jobs until ctx expires.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping Watcher...")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		w.manager.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for key jobs: %w", ctx.Err())
	}

	serverErr := w.healthServer.Stop(ctx)
	if err := w.client.Close(); err != nil {
		w.log.Warn("Failed to close rpc client", "error", err)
	}
	w.stores.close(w.log)

	return errors.Join(waitErr, serverErr)
}

// Window exposes the block window for inspection.
func (w *Watcher) Window() *window.Window {
	return w.window
}

// Manager exposes the keys manager for inspection.
func (w *Watcher) Manager() *keys.Manager {
	return w.manager
}
