package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/androidvision/internal/config"
	"github.com/example/androidvision/internal/grpcserver"
	"github.com/example/androidvision/internal/handlers"
	"github.com/example/androidvision/internal/inference"
	"github.com/example/androidvision/internal/logging"
	"github.com/example/androidvision/internal/payload"
	"github.com/example/androidvision/internal/repository"
	"github.com/example/androidvision/internal/storage"
	"github.com/example/androidvision/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	store, sweeper, closeStore, err := initStore(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := inference.EntriesFromConfig(cfg.Providers())
	if err != nil {
		return err
	}
	dispatcher := inference.NewDispatcher(cfg.ProviderTimeout, entries...)
	if !dispatcher.Configured(cfg.AIProvider) {
		return fmt.Errorf("default provider %q is not configured", cfg.AIProvider)
	}

	var audit usecase.InferenceLogRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(startupCtx, cfg.DatabaseDSN, logger)
		if err != nil {
			return err
		}
		repo := repository.NewInferenceLogRepository(db, logger)
		if err := repo.AutoMigrate(startupCtx); err != nil {
			return logging.NewOperationError("main.auto_migrate", "", err)
		}
		audit = repo
	}

	uc := usecase.NewVisionUseCase(store, payload.NewEncoder(cfg.MaxUploadBytes), dispatcher, audit, logger, usecase.Options{
		DefaultProvider: cfg.AIProvider,
		CleanupTimeout:  cfg.CleanupTimeout,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(uc, cfg.MaxUploadBytes, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLis, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return logging.NewOperationError("main.listen_http", "", err)
	}

	var (
		grpcSrv *grpcserver.Server
		grpcLis net.Listener
	)
	if cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = httpLis.Close()
			return logging.NewOperationError("main.listen_grpc", "", err)
		}
		grpcSrv = grpcserver.New(logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	if sweeper != nil {
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	if grpcSrv != nil {
		g.Go(func() error { return grpcSrv.Serve(grpcLis) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			grpcSrv.Shutdown(shutdownCtx)
			return nil
		})
		// Both listeners are bound by now, so SERVING is never reported early.
		grpcSrv.SetServing(true)
	}

	g.Go(func() error {
		logger.Info("vision API listening",
			zap.String("addr", httpLis.Addr().String()),
			zap.String("provider", cfg.AIProvider),
			zap.String("storage", cfg.Storage.Backend),
			zap.Duration("provider_timeout", dispatcher.Timeout()),
		)
		return serveHTTPServer(gctx, server, cfg.ShutdownTimeout, logger, httpLis)
	})

	return g.Wait()
}

func newRouter(uc handlers.VisionService, maxUploadBytes int64, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = maxUploadBytes
	handlers.RegisterRoutes(r, uc, handlers.Options{MaxUploadBytes: maxUploadBytes, Logger: logger})
	return r
}

func initStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.TransientStore, *storage.Sweeper, func(), error) {
	noop := func() {}
	sc := cfg.Storage

	switch sc.Backend {
	case config.StorageRedis:
		client, err := initRedis(ctx, sc.RedisAddr, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		backend := storage.NewRedisBackend(storage.NewRedisKV(client), sc.RedisPrefix, sc.RedisTTL, cfg.PublicBaseURL)
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", zap.Error(err))
			}
		}
		return storage.NewTransientStore(backend, logger), nil, closeClient, nil

	case config.StorageS3:
		backend, err := storage.OpenS3Backend(ctx, sc.S3Bucket, sc.S3Prefix, sc.S3PresignTTL)
		if err != nil {
			return nil, nil, noop, logging.NewOperationError("main.init_s3", "", err)
		}
		return storage.NewTransientStore(backend, logger), nil, noop, nil

	default:
		backend, err := storage.NewDiskBackend(sc.Dir, cfg.PublicBaseURL)
		if err != nil {
			return nil, nil, noop, logging.NewOperationError("main.init_disk", "", err)
		}
		sweeper := storage.NewSweeper(backend.Root(), sc.SweepTTL, sc.SweepInterval, logger)
		return storage.NewTransientStore(backend, logger), sweeper, noop, nil
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.connect_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}

	zapLogger.Info("audit log enabled")
	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	zapLogger.Info("redis storage enabled", zap.String("addr", addr))
	return client, nil
}

// serveHTTPServer serves until ctx is done, then drains in-flight requests
// for at most shutdownTimeout. A nil listener means ListenAndServe.
func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down HTTP server", zap.NamedError("cause", context.Cause(ctx)))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
