package main

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/georgemunganga/printa-routing/internal/config"
	"github.com/georgemunganga/printa-routing/internal/database"
	"github.com/georgemunganga/printa-routing/internal/logger"
	"github.com/georgemunganga/printa-routing/internal/metrics"
	"github.com/georgemunganga/printa-routing/internal/modules/auth"
	"github.com/georgemunganga/printa-routing/internal/modules/routing"
	"github.com/georgemunganga/printa-routing/internal/modules/vendor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		logger.New(logger.Config{}).Fatal("invalid configuration", zap.Error(err))
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.App.Name})
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// ── Policy store ────────────────────────────────────────
	var routingRepo routing.Repository
	var db *sql.DB
	switch cfg.Database.Driver {
	case config.StoreMemory:
		log.Warn("using in-memory policy store, data is lost on restart")
		routingRepo = routing.NewMemoryRepository()
	default:
		db, err = database.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		log.Info("connected to database")

		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(db, log); err != nil {
				log.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		routingRepo = routing.NewPostgresRepository(db)
	}

	// ── Redis (optional) ────────────────────────────────────
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		cancel()
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	// ── Vendor health ───────────────────────────────────────
	var healthStore vendor.Store
	if rdb != nil {
		healthStore = vendor.NewRedisStore(rdb, "")
	}
	tracker := vendor.NewTracker(healthStore, cfg.Routing.HealthMaxStaleness, log.Named("vendor_health"), m)
	if err := tracker.Sync(ctx); err != nil {
		log.Warn("initial vendor health sync failed", zap.Error(err))
	}
	go tracker.Run(ctx, cfg.Routing.HealthSyncInterval)

	// ── Routing engine ──────────────────────────────────────
	var rotator routing.Rotator = routing.NewMemoryRotator()
	if cfg.Routing.RotationBackend == config.RotationRedis {
		rotator = routing.NewRedisRotator(rdb, "")
	}
	routingLog := log.Named("routing")
	routingService := routing.NewService(routingRepo, routing.Deps{
		Evaluator:        routing.NewEvaluator(routingLog, m),
		Selector:         routing.NewSelector(rotator, rand.Float64),
		Monitor:          routing.NewSlaMonitor(routing.LogAlertSink{Log: routingLog}, m),
		Health:           tracker,
		Log:              routingLog,
		Metrics:          m,
		MaxFallbackDepth: cfg.Routing.MaxFallbackDepth,
	})

	// ── Router ──────────────────────────────────────────────
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", m.Handler())

	authn := auth.Middleware(auth.NewService(cfg.Auth.JWTSecret), log.Named("auth"))
	routing.NewHandler(routingService, authn).RegisterRoutes(router)
	vendor.NewHandler(tracker, authn).RegisterRoutes(router)

	// ── Start Server ────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("routing engine starting", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
