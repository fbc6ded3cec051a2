package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mertksk/casper-ignite-sub001/internal/engine"
	"github.com/mertksk/casper-ignite-sub001/internal/idempotency"
	"github.com/mertksk/casper-ignite-sub001/internal/ledger"
	"github.com/mertksk/casper-ignite-sub001/internal/limits"
	"github.com/mertksk/casper-ignite-sub001/internal/metrics"
	"github.com/mertksk/casper-ignite-sub001/internal/orderbook"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
	"github.com/mertksk/casper-ignite-sub001/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	rpcURL := os.Getenv("LEDGER_RPC_URL")
	if rpcURL == "" {
		rpcURL = "http://localhost:7777/rpc"
	}
	explorerURL := os.Getenv("EXPLORER_URL")
	if explorerURL == "" {
		explorerURL = "https://testnet.cspr.live"
	}

	treasury, err := ledger.ParseWallet(os.Getenv("TREASURY_WALLET"))
	if err != nil {
		slog.Error("TREASURY_WALLET missing or invalid", "err", err)
		os.Exit(1)
	}

	confirmationTimeout := ledger.DefaultConfirmationTimeout
	if v := os.Getenv("CONFIRMATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid CONFIRMATION_TIMEOUT", "err", err)
			os.Exit(1)
		}
		confirmationTimeout = d
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Idempotency guard ---
	// Shares the Redis client with the cache layer so retried trades are
	// deduplicated across server instances.
	var cache idempotency.Cache
	if rdb != nil {
		cache = idempotency.NewRedisCache(rdb)
	} else {
		cache = idempotency.NewMemoryCache()
	}
	guard := idempotency.NewGuard(cache, idempotency.DefaultTTL)

	// --- Notional limits ---
	limiter := limits.NewLimiter(
		envInt64("MAX_TRADE_NOTIONAL", 0),
		envInt64("MAX_WALLET_NOTIONAL", 0),
	)

	// --- Ledger gateway + engine ---
	gateway := ledger.NewHTTPGateway(rpcURL)
	eng := engine.New(st, gateway, limiter, treasury, confirmationTimeout)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(eng, orderbook.NewMatcher(st), st, guard, wsHub, explorerURL)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(10 * time.Minute)) // must outlast the confirmation wait
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.IdempotencyKeyHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"curve-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("curve-engine listening", "port", port, "rpc", rpcURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down curve-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("curve-engine stopped")
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Error("invalid integer env var", "key", key, "value", v)
		os.Exit(1)
	}
	return n
}
