package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/api"
	"github.com/basel-ax/streamgen/internal/config"
	"github.com/basel-ax/streamgen/internal/infrastructure/upstream"
	"github.com/basel-ax/streamgen/internal/logger"
	"github.com/basel-ax/streamgen/internal/pricing"
	"github.com/basel-ax/streamgen/internal/relay"
	"github.com/basel-ax/streamgen/internal/repository"
	"github.com/basel-ax/streamgen/internal/service"
	"github.com/basel-ax/streamgen/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Parse command line flags
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	runMigrations := flag.Bool("migrate", true, "Apply database migrations on startup")
	runCron := flag.Bool("cron", true, "Run the thumbnail repair sweep on schedule")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *verbose {
		cfg.Logger.Level = "debug"
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog, *runMigrations, *runCron); err != nil {
		zlog.Fatal("Server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger, runMigrations, runCron bool) error {
	zlog.Info("Initializing database connection...", zap.String("host", cfg.DB.Host), zap.String("database", cfg.DB.Database))
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return err
	}

	if runMigrations {
		if err := repository.ApplyMigrations(db); err != nil {
			return err
		}
		zlog.Info("Database migrations applied")
	}

	table, err := pricing.Load(cfg.PricingPath)
	if err != nil {
		return err
	}

	store, err := storage.NewFileStore(cfg.Storage.ImageDir, cfg.Storage.ThumbnailDir, cfg.Storage.PublicBaseURL)
	if err != nil {
		return err
	}

	imgRepo := repository.NewPostgresImageRepository(db)

	client := upstream.NewClient(upstream.Config{
		OpenAIBaseURL: cfg.Upstream.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.Upstream.OpenAIAPIKey,
		OpenAIModel:   cfg.Upstream.OpenAIModel,
		GeminiBaseURL: cfg.Upstream.GeminiBaseURL,
		GeminiAPIKey:  cfg.Upstream.GeminiAPIKey,
		GeminiModel:   cfg.Upstream.GeminiModel,
		ImageSize:     cfg.Upstream.ImageSize,
		PartialImages: cfg.Upstream.PartialImages,
		Timeout:       cfg.Upstream.Timeout,
	})
	proxy := relay.NewProxy(relay.NewHTTPClient(cfg.Upstream.ResponseHeaderTimeout), zlog)

	persister := service.NewResultPersister(imgRepo, store, table, cfg.Storage.ThumbnailMaxDim, zlog)
	generator := service.NewImageGenerationService(client, proxy, persister, imgRepo, store, service.Options{
		MaxCount:        cfg.Batch.MaxCount,
		MaxPromptLength: cfg.Batch.MaxPromptLength,
	}, zlog)
	prompts := service.NewPromptService(
		upstream.NewPromptClient(cfg.Upstream.OpenAIBaseURL, cfg.Upstream.OpenAIAPIKey, cfg.Upstream.PromptModel),
		cfg.Batch.MaxPromptLength,
		zlog,
	)

	handler := api.NewHandler(generator, prompts, imgRepo, persister, zlog)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Create context with cancellation
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if runCron {
		sweep := service.NewThumbnailSweep(imgRepo, store, cfg.Storage.ThumbnailMaxDim, cfg.Cron.ThumbnailBatch, zlog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			startCronWorkflows(ctx, sweep, cfg, zlog)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	zlog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func startCronWorkflows(ctx context.Context, sweep *service.ThumbnailSweep, cfg *config.Config, zlog *zap.Logger) {
	log := zlog.Named("cron")
	c := cron.New(cron.WithSeconds())

	var cronMutex sync.Mutex

	_, err := c.AddFunc(cfg.Cron.ThumbnailSchedule, func() {
		if !cronMutex.TryLock() {
			log.Debug("Thumbnail sweep still running, skipping tick")
			return
		}
		defer cronMutex.Unlock()

		repaired, err := sweep.Run(ctx)
		if err != nil {
			log.Error("Thumbnail sweep failed", zap.Error(err))
			return
		}
		if repaired > 0 {
			log.Info("Thumbnail sweep finished", zap.Int("repaired", repaired))
		}
	})
	if err != nil {
		log.Error("Error scheduling thumbnail sweep", zap.String("schedule", cfg.Cron.ThumbnailSchedule), zap.Error(err))
		return
	}

	c.Start()
	log.Info("Cron scheduler started", zap.String("thumbnail_schedule", cfg.Cron.ThumbnailSchedule))

	// Keep the scheduler running until context is cancelled
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("Cron scheduler stopped")
}
