package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qpro/queue-engine/internal/config"
	"qpro/queue-engine/internal/httpapi"
	"qpro/queue-engine/internal/logger"
	"qpro/queue-engine/internal/notify"
	"qpro/queue-engine/internal/queue"
	"qpro/queue-engine/internal/store"
	"qpro/queue-engine/internal/store/memory"
	"qpro/queue-engine/internal/store/postgres"
	"qpro/queue-engine/internal/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "queue-engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTelemetry := telemetry.Setup(serviceName, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	local := notify.NewLocalFeed(log)
	var feed notify.Feed = local
	var redisFeed *notify.RedisFeed
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		redisFeed = notify.NewRedisFeed(client, local, log)
		feed = redisFeed
		log.Info("change feed via redis", zap.String("addr", cfg.RedisAddr))
	}

	dispatcher := notify.NewDispatcher(feed, log, notify.DispatcherConfig{
		Buffer:         cfg.NotifyBuffer,
		PublishTimeout: cfg.NotifyPublishTimeout,
	})
	options := queue.Options{
		PauseMode:             cfg.PauseMode,
		Numbering:             cfg.TicketNumbering,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		Location:              cfg.Location,
		IssueRetry:            cfg.IssueRetry,
	}
	controller := queue.NewController(st, dispatcher, queue.SystemClock{}, log, options)
	reader := queue.NewReader(st, queue.SystemClock{}, log, options)

	secret := cfg.HolderPassSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("HOLDER_PASS_SECRET not set, holder passes will not survive a restart")
	}
	passes := httpapi.NewHolderPasses(secret, cfg.HolderPassTTL)

	handler := httpapi.NewHandler(controller, reader, passes, log)
	realtime := httpapi.NewRealtime(reader, feed, st, passes, httpapi.RealtimeConfig{
		ReconcileInterval: cfg.ReconcileInterval,
	}, log)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		OfficePerMinute: cfg.OfficeRateLimitPerMin,
		OfficeBurst:     cfg.OfficeRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtime.Handler())
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(
		httpapi.LoggingMiddleware(log, limiter.Middleware(httpapi.AuthMiddleware(st, mux))),
		serviceName,
	)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("queue-engine listening",
			zap.String("addr", server.Addr),
			zap.String("pause_mode", cfg.PauseMode),
			zap.String("numbering", cfg.TicketNumbering))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if redisFeed != nil {
		g.Go(func() error {
			return redisFeed.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("queue-engine stopped")
	return err
}

// openStore picks Postgres when DB_DSN is set and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DB_DSN not set, using in-memory store")
		return memory.NewStore(memory.Options{LockTimeout: cfg.LockTimeout}), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout}), pool.Close, nil
}
