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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/deepfake-detect/internal/auth"
	"github.com/example/deepfake-detect/internal/config"
	"github.com/example/deepfake-detect/internal/handlers"
	"github.com/example/deepfake-detect/internal/inference"
	"github.com/example/deepfake-detect/internal/logging"
	"github.com/example/deepfake-detect/internal/ratelimit"
	"github.com/example/deepfake-detect/internal/repository"
	"github.com/example/deepfake-detect/internal/spool"
	"github.com/example/deepfake-detect/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := inference.NewHuggingFaceClient(inference.Options{
		Endpoint:         cfg.ModelURL(),
		Token:            cfg.HFToken,
		Timeout:          cfg.HFTimeout,
		RetryUnavailable: cfg.HFRetryUnavailable,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build inference client", zap.Error(err))
	}

	deps := usecase.Dependencies{
		Client:         client,
		CacheNamespace: cfg.HFModelID,
		CacheTTL:       cfg.CacheTTL,
	}

	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewDetectionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		deps.Store = repo
	}

	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		deps.Cache = usecase.NewRedisCache(redisClient)
	}

	if cfg.UploadSpoolDir != "" {
		spooler, err := spool.New(cfg.UploadSpoolDir)
		if err != nil {
			logger.Fatal("failed to prepare upload spool", zap.Error(err))
		}
		deps.Spooler = spooler
	}

	uc := usecase.NewDetectionUseCase(deps, logger)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("deepfake detection API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("model", cfg.HFModelID),
		zap.Bool("cache", deps.Cache != nil),
		zap.Bool("store", deps.Store != nil),
		zap.Bool("spool", deps.Spooler != nil))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, detector handlers.Detector, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = handlers.MaxMultipartMemory
	r.Use(logging.RequestLogger(logger), recovery(logger))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", auth.AppKeyHeader, logging.RequestIDHeader}
	corsCfg.ExposeHeaders = []string{logging.RequestIDHeader, "Retry-After"}
	corsCfg.MaxAge = 12 * time.Hour
	if len(cfg.CORSAllowOrigins) == 0 || (len(cfg.CORSAllowOrigins) == 1 && cfg.CORSAllowOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSAllowOrigins
	}
	r.Use(cors.New(corsCfg))

	handlers.RegisterRoutes(r, detector,
		ratelimit.Middleware(cfg.RateLimitPerMinute),
		auth.AppKeyMiddleware(cfg.AppAPIKey),
	)
	return r
}

// recovery turns a handler panic into a JSON 500.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("handler panicked",
			zap.Any("panic", recovered),
			zap.String("request_id", logging.RequestID(c)),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
