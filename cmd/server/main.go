// Command server starts the photo-enhancement HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lusterai/enhance/internal/adapter/httpserver"
	"github.com/lusterai/enhance/internal/adapter/identity"
	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/adapter/queue/redpanda"
	"github.com/lusterai/enhance/internal/adapter/repo/postgres"
	s3store "github.com/lusterai/enhance/internal/adapter/storage/s3"
	"github.com/lusterai/enhance/internal/app"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	shootRepo := postgres.NewShootRepo(pool)
	assetRepo := postgres.NewAssetRepo(pool)
	creditRepo := postgres.NewCreditRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)

	// Advisory queue producer. Startup survives a missing broker; workers
	// fall back to interval polling.
	var notifier domain.Notifier
	if producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic); err != nil {
		slog.Warn("redpanda producer unavailable, job dispatch falls back to worker polling", slog.Any("error", err))
	} else {
		notifier = producer
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close queue producer", slog.Any("error", err))
			}
		}()
	}

	products, err := config.LoadProducts(cfg.ProductsFile)
	if err != nil {
		slog.Error("product table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Usecases
	shootSvc := usecase.NewShootService(shootRepo, assetRepo, store, cfg.PresignTTL)
	uploadSvc := usecase.NewUploadService(shootRepo, assetRepo, store, cfg.PresignTTL, cfg.MaxUploadMB*1024*1024)
	jobSvc := usecase.NewJobService(jobRepo, assetRepo, creditRepo, notifier, store, cfg.MaxRetries, cfg.PresignTTL)
	creditSvc := usecase.NewCreditService(creditRepo)
	billingSvc := usecase.NewBillingService(userRepo, creditRepo, products)

	dbCheck, storeCheck := app.BuildReadinessChecks(pool, store)
	srv := httpserver.NewServer(cfg, shootSvc, uploadSvc, jobSvc, creditSvc, billingSvc, dbCheck, storeCheck)

	verifier := identity.NewVerifier(cfg.TokenSecret)
	handler := app.BuildRouter(cfg, srv, verifier, userRepo)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
