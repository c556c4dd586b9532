package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/cache"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/export"
	"github.com/joseph-ayodele/assignment-grader/internal/extract"
	"github.com/joseph-ayodele/assignment-grader/internal/grading"
	"github.com/joseph-ayodele/assignment-grader/internal/ingest"
	"github.com/joseph-ayodele/assignment-grader/internal/llm/providers"
	"github.com/joseph-ayodele/assignment-grader/internal/pipeline"
	repo "github.com/joseph-ayodele/assignment-grader/internal/repository"
	"github.com/joseph-ayodele/assignment-grader/internal/server"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg := common.LoadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("graderd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("graderd stopped")
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	store, checks, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	statusCache, closeCache, err := cache.Connect(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	client := providers.NewClient(cfg.LLM, logger)
	defer client.Close()

	queue, err := async.NewQueue(logger, async.OptionsFromConfig(cfg.Queue)...)
	if err != nil {
		return err
	}

	grader := grading.NewGrader(client, logger, grading.WithTemperature(cfg.LLM.Temperature))
	p := pipeline.New(store, queue, client, grader, extract.NewFileLoader(logger), logger,
		pipeline.WithCache(statusCache),
		pipeline.WithExtractionModel(cfg.LLM.ExtractionModel),
		pipeline.WithDefaultModels(cfg.LLM.DefaultModels),
		pipeline.WithTemperature(cfg.LLM.Temperature),
		pipeline.WithStaleAfter(cfg.Ingest.ReconcileStaleAfter),
	)

	// jobs lost with the previous process are recreated before workers start
	if _, err := p.Reconcile(ctx); err != nil {
		logger.Error("reconcile incomplete", "error", err)
	}
	if err := p.Register(queue); err != nil {
		return err
	}

	var ingestor ingest.Ingestor
	if cfg.Ingest.Dir != "" {
		fsIngestor, err := ingest.NewFSIngestor(p, logger)
		if err != nil {
			return err
		}
		ingestor = fsIngestor
	}

	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Pipeline:   p,
			Reader:     store,
			Jobs:       queue,
			Exporter:   export.NewService(store, logger),
			Ingestor:   ingestor,
			IngestRoot: cfg.Ingest.Dir,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("graderd listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		if qerr := queue.Shutdown(sctx); qerr != nil && err == nil {
			err = qerr
		}
		return err
	})
	g.Go(func() error {
		p.RunSweeper(gctx, sweepInterval)
		return nil
	})
	if cfg.Server.GRPCAddr != "" {
		hs := server.NewHealthServer(checks, 10*time.Second, 2*time.Second, logger)
		g.Go(func() error { return hs.Serve(gctx, cfg.Server.GRPCAddr) })
	}
	if ingestor != nil {
		w := ingest.NewWatcher(ingest.WatchConfig{
			Root:        cfg.Ingest.Dir,
			InitialScan: true,
			Debounce:    cfg.Ingest.Debounce,
		}, ingestor, logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// openStore returns the configured document store and the health checks that
// cover it.
func openStore(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (repo.Store, map[string]server.Checker, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return repo.NewMemoryStore(nil), map[string]server.Checker{}, nil
	}
	store, err := repo.Open(ctx, repo.ConfigFrom(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.HealthCheck(ctx, 5*time.Second); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, map[string]server.Checker{"database": store}, nil
}
