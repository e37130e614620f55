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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tradepro/options-engine/internal/asset"
	"github.com/tradepro/options-engine/internal/config"
	"github.com/tradepro/options-engine/internal/copytrade"
	"github.com/tradepro/options-engine/internal/events"
	"github.com/tradepro/options-engine/internal/expiry"
	"github.com/tradepro/options-engine/internal/ledger"
	"github.com/tradepro/options-engine/internal/metrics"
	"github.com/tradepro/options-engine/internal/oracle"
	"github.com/tradepro/options-engine/internal/referral"
	"github.com/tradepro/options-engine/internal/store"
	"github.com/tradepro/options-engine/internal/trade"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisCacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(cfg.TradeSettings())
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if err := store.Seed(ctx, st, cfg.TradeSettings(), asset.Defaults(cfg.EnabledAssets)); err != nil {
		slog.Error("seeding defaults failed", "err", err)
		os.Exit(1)
	}

	// --- Events ---
	wsHub := events.NewWSHub()
	publishers := events.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("Kafka event stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	priceOracle := oracle.New(
		oracle.NewCoinGecko(cfg.PriceAPIURL, &http.Client{Timeout: cfg.PriceTimeout}),
		oracle.NewFallback(cfg.FallbackSeed),
		oracle.Config{
			CacheTTL: cfg.PriceCacheTTL,
			Timeout:  cfg.PriceTimeout,
			RPS:      cfg.PriceRPS,
		},
	)

	l := ledger.New(st)
	scheduler := expiry.NewScheduler(cfg.SettleWorkers)
	engine := trade.NewEngine(trade.Deps{
		Store:      st,
		Ledger:     l,
		Oracle:     priceOracle,
		Commission: referral.NewHook(st, l, cfg.CommissionRate),
		FanOut:     copytrade.NewFanOut(st, l),
		Scheduler:  scheduler,
		Events:     publishers,
	})
	sweeper := expiry.NewSweeper(st, scheduler, engine, cfg.SweepInterval, cfg.SweepGrace)

	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin routes are unauthenticated")
	}
	handler := trade.NewHandler(engine, copytrade.NewManager(st), cfg.AdminToken)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader+", "+trade.AdminHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"options-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for position events.
		r.Get("/ws", wsHub.HandleWS)
		handler.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error {
		return scheduler.Run(gctx, func(ctx context.Context, id string) {
			engine.SettleExpired(ctx, id)
		})
	})
	g.Go(func() error { return sweeper.Run(gctx) })

	g.Go(func() error {
		slog.Info("options-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down options-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("options-engine exited with error", "err", err)
	}
	fmt.Println("options-engine stopped")
}
