package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/config"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/database"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/handler"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/middleware"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/notify"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/provider"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/queue"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/router"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal(err)
	}

	rc := config.LoadRedisConfig()
	rdb, err := config.NewRedisClient(ctx, rc)
	if err != nil {
		logger.Warn("redis unavailable; caching, rate limiting and cross-process wake-ups disabled",
			slog.String("addr", rc.Addr), slog.Any("error", err))
	} else {
		defer rdb.Close()
	}

	opts := []service.Option{
		service.WithLogger(logger.With(slog.String("component", "service"))),
		service.WithStaleThreshold(cfg.StaleThreshold),
		service.WithAverageJobSeconds(cfg.AverageJobSeconds),
	}
	var (
		local       *notify.Local
		redisNotify *notify.Redis
	)
	if rdb != nil {
		redisNotify = notify.NewRedis(rdb, rc.Channel, logger)
		opts = append(opts, service.WithNotifier(redisNotify))
	} else {
		local = notify.NewLocal()
		opts = append(opts, service.WithNotifier(local))
	}
	var consumer *queue.Consumer
	if cfg.RabbitURL != "" {
		opts = append(opts, service.WithPublisher(queue.NewPublisher(cfg.RabbitURL)))
		consumer = queue.NewConsumer(cfg.RabbitURL)
		consumer.Dir = cfg.EventsDir
	}

	txm := repository.NewTxManager(db)
	svc := service.New(txm, repository.NewTicketRepo(db), repository.NewLimitRepo(db), repository.NewQueueRepo(db), opts...)
	if err := svc.EnsureDefaults(ctx); err != nil {
		log.Fatalf("seed concurrency limits: %v", err)
	}

	d := worker.New(svc, newProvider(cfg, logger),
		worker.WithConcurrency(cfg.DispatchWorkers),
		worker.WithPollInterval(cfg.DispatchInterval),
		worker.WithReapInterval(cfg.ReapInterval),
		worker.WithTimeout(cfg.ProviderTimeout),
		worker.WithLogger(logger.With(slog.String("component", "dispatcher"))),
	)
	svc.SetExecutor(d)
	if local != nil {
		local.Subscribe(d.Wake)
	}

	e := newEcho(cfg, logger, db, rdb, svc, txm)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(ctx) })
	if redisNotify != nil {
		g.Go(func() error {
			if err := redisNotify.Listen(ctx, d.Wake); err != nil {
				logger.Warn("slot notifications stopped; relying on polling", slog.Any("error", err))
			}
			return nil
		})
	}
	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx) })
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Printf("listening on %s (env=%s)", addr, cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Printf("shutdown complete")
}

func newLogger(cfg config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
}

func newProvider(cfg config.Config, logger *slog.Logger) provider.Client {
	if cfg.ProviderURL == "" {
		logger.Warn("PROVIDER_URL not set; using the fake provider")
		return &provider.Fake{Delay: 2 * time.Second}
	}
	var popts []provider.HTTPOption
	if cfg.ProviderRPS > 0 {
		popts = append(popts, provider.WithRateLimit(cfg.ProviderRPS, cfg.ProviderBurst))
	}
	return provider.NewHTTPClient(cfg.ProviderURL, cfg.ProviderAPIKey, popts...)
}

func newEcho(cfg config.Config, logger *slog.Logger, db *sql.DB, rdb *redis.Client, svc *service.Service, tx service.TxRunner) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	var (
		limit echo.MiddlewareFunc
		cache echo.MiddlewareFunc
	)
	if rdb != nil {
		limit = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
		cache = middleware.NewRedisCache(config.LoadCacheConfig(), rdb)
	}

	gen := handler.NewGenerationHandler(svc, logger)
	auth := handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db), svc, tx, logger)

	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, gen, cache)
	router.RegisterAuth(e, auth, cfg.JWTSecret)
	router.RegisterGeneration(e, gen, cfg.JWTSecret, limit)
	router.RegisterAdmin(e, handler.NewAdminHandler(svc, logger), cfg.JWTSecret)
	return e
}
