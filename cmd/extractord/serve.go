package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/bill-extractor/internal/async"
	"github.com/joseph-ayodele/bill-extractor/internal/blob"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/core"
	"github.com/joseph-ayodele/bill-extractor/internal/export"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/extract/openai"
	repo "github.com/joseph-ayodele/bill-extractor/internal/repository"
	"github.com/joseph-ayodele/bill-extractor/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC APIs with the extraction worker pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid configuration", "error", err)
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close(db, logger)
	if err := repo.Migrate(ctx, db, logger); err != nil {
		return err
	}

	blobs, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store := repo.NewTaskStore(db, cfg.Worker.CompletionPolicy, logger)
	llmConfig := openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Pdftotext:   cfg.LLM.Pdftotext,
	}
	if cfg.LLM.OCRFallback {
		llmConfig.OCR = &extract.OCR{
			Pdftoppm:  cfg.LLM.Pdftoppm,
			Tesseract: cfg.LLM.Tesseract,
			Lang:      cfg.LLM.OCRLang,
			MaxPages:  cfg.LLM.OCRMaxPages,
		}
	}
	extractor := openai.NewClient(llmConfig, nil, logger)

	pool := async.NewWorkerPool(store, blobs, extractor, logger,
		async.WithWorkers(cfg.Worker.Count),
		async.WithProcessTimeout(cfg.Worker.ExtractTimeout),
		async.WithRetries(cfg.Worker.ExtractRetries, time.Second),
		async.WithRateLimit(cfg.Worker.ExtractRatePerSec, cfg.Worker.Count),
		async.WithPersistRetry(repo.RetryPolicy{Retries: cfg.Worker.PersistRetries, Delay: cfg.Worker.PersistRetryDelay}),
	)
	manager := core.NewManager(logger, store, blobs, pool, cfg.Server.MaxUploadMB)

	// interrupted work is requeued before the APIs accept new batches
	if _, err := manager.Recover(ctx); err != nil {
		logger.Error("failed to recover interrupted tasks", "error", err)
		pool.Shutdown(context.Background())
		return err
	}

	var submitMiddleware []gin.HandlerFunc
	if cfg.RateLimit.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr, DB: cfg.RateLimit.RedisDB})
		defer rdb.Close()
		submitMiddleware = append(submitMiddleware, server.NewRateLimiter(server.RateLimiterConfig{
			Client: rdb,
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
			Logger: logger,
		}))
		logger.Info("submission rate limiting enabled", "limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.Window)
	}

	gin.SetMode(gin.ReleaseMode)
	health := func(ctx context.Context) error { return repo.HealthCheck(ctx, db, 2*time.Second, logger) }
	direct := core.NewDirectExtractor(logger, extractor, cfg.Worker.ExtractTimeout, cfg.Server.MaxUploadMB)
	handler := server.NewHTTPHandler(manager, export.NewService(manager, logger), health, cfg.Server.MaxUploadMB, logger,
		server.WithDirectExtraction(direct),
		server.WithMaxBatchFiles(cfg.Server.MaxBatchFiles),
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.NewRouter(submitMiddleware...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer, healthServer := server.NewGRPCServer(manager, logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return err
			}
			logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		manager.RunRetention(gctx, cfg.Worker.Retention, cfg.Worker.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		pool.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openBlobs(ctx context.Context, cfg *common.Config, logger *slog.Logger) (blob.Store, error) {
	if cfg.Storage.S3Endpoint != "" {
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
		}, logger)
	}
	return blob.NewFSStore(cfg.Storage.UploadDir, logger)
}
