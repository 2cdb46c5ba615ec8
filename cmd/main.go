package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/tubegrab/tubegrab/internal/config"
	"github.com/tubegrab/tubegrab/internal/httpapi"
	"github.com/tubegrab/tubegrab/internal/jobs"
	"github.com/tubegrab/tubegrab/internal/persistence"
	"github.com/tubegrab/tubegrab/internal/ytdlp"
	"github.com/tubegrab/tubegrab/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.SeedSettings(ctx, config.DefaultSettings(filepath.Join(cfg.DataDir, "downloads"))); err != nil {
		log.Fatal("Failed to seed settings: %v", err)
	}
	settings, err := config.NewSettingsStore(ctx, store)
	if err != nil {
		log.Fatal("Failed to load settings: %v", err)
	}
	runtime, err := settings.GetRuntimeSettings()
	if err != nil {
		log.Fatal("Failed to read settings: %v", err)
	}

	runner := &ytdlp.Runner{Binary: cfg.YTDLPPath}
	orch := jobs.NewOrchestrator(
		store,
		jobs.RunnerFunc(func(ctx context.Context, spec jobs.StartSpec) (jobs.Proc, error) {
			return runner.Start(ctx, ytdlp.DownloadOptions{
				URL:            spec.URL,
				FormatID:       spec.FormatID,
				OutputTemplate: spec.OutputTemplate,
				RateLimitKB:    spec.RateLimitKB,
			})
		}),
		runtime.MaxConcurrent,
		jobs.WithSpeedLimitKB(runtime.MaxDownloadSpeed),
	)

	// Jobs left downloading by an unclean shutdown have no live process to
	// reattach; repair them before accepting new work.
	if err := orch.Reconcile(ctx); err != nil {
		log.Fatal("Startup reconcile failed: %v", err)
	}

	janitor := cron.New()
	if _, err := janitor.AddFunc(cfg.JanitorCron, func() {
		if err := orch.Reconcile(context.Background()); err != nil {
			log.Error("Janitor reconcile failed: %v", err)
		}
	}); err != nil {
		log.Fatal("Invalid janitor schedule %q: %v", cfg.JanitorCron, err)
	}
	janitor.Start()
	defer janitor.Stop()

	server := httpapi.NewServer(
		orch,
		httpapi.WithMetadataExtractor(ytdlp.NewMetadataExtractor(cfg.YTDLPPath)),
		httpapi.WithSettingsStore(settings),
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", cfg.ListenAddr)
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		log.Fatal("HTTP server failed: %v", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown: %v", err)
	}
	log.Info("Shut down")
}
