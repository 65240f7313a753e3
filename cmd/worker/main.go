// Command worker runs the enhancement worker pool and the exhausted-job
// sweeper.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lusterai/enhance/internal/adapter/enhancer/openai"
	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/adapter/queue/redpanda"
	"github.com/lusterai/enhance/internal/adapter/repo/postgres"
	s3store "github.com/lusterai/enhance/internal/adapter/storage/s3"
	"github.com/lusterai/enhance/internal/app"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose worker metrics on a dedicated port so both processes can be
	// scraped independently.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := s3store.New(s3store.Options{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Bucket:          cfg.S3Bucket,
	})

	jobRepo := postgres.NewJobRepo(pool)
	assetRepo := postgres.NewAssetRepo(pool)
	enhancer := openai.New(cfg)

	// Advisory waker. Optional: the interval poll alone keeps the pool
	// making progress when the broker is down.
	var wake <-chan struct{}
	if waker, err := redpanda.NewWaker(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup); err != nil {
		slog.Warn("redpanda waker unavailable, relying on interval polling", slog.Any("error", err))
	} else {
		wake = waker.Wake()
		go waker.Run(ctx)
		defer func() {
			if err := waker.Close(); err != nil {
				slog.Error("failed to close waker", slog.Any("error", err))
			}
		}()
	}

	if sweeper := app.NewSweeper(jobRepo, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	w := worker.New(jobRepo, assetRepo, store, enhancer,
		cfg.LeaseDuration, cfg.EffectiveProviderDeadline(), cfg.WorkerPollInterval,
		cfg.WorkerConcurrency, wake)

	slog.Info("worker pool starting",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("lease", cfg.LeaseDuration),
		slog.Duration("poll_interval", cfg.WorkerPollInterval))
	w.Run(ctx)
	slog.Info("worker stopped")
}
