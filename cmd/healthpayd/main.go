package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/gateway"
	"github.com/healthpay/healthpayd/internal/limits"
	"github.com/healthpay/healthpayd/internal/settlement"
	"github.com/healthpay/healthpayd/internal/wallet"
	"github.com/healthpay/healthpayd/pkg/logging"
	"github.com/healthpay/healthpayd/pkg/messaging"
	"github.com/healthpay/healthpayd/pkg/token"
)

type config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	ChainRPCURL string
	GeminiKey   string
	GeminiURL   string
	Contract    string
	Treasury    string
}

func loadConfig() config {
	return config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),
		ChainRPCURL: os.Getenv("CHAIN_RPC_URL"),
		GeminiKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiURL:   getEnv("GEMINI_API_URL", audit.DefaultAPIURL),
		Contract:    getEnv("TOKEN_CONTRACT", token.DefaultContract),
		Treasury:    getEnv("TREASURY_ADDRESS", "0x0000000000000000000000000000000000000000"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	logging.Setup()
	cfg := loadConfig()

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := settlement.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	// Broker and retry queue are optional: the pipeline degrades rather
	// than refuses to start.
	var events *messaging.Client
	if cfg.NATSURL != "" {
		events, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "healthpayd",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			slog.Warn("NATS unavailable, events disabled", "error", err)
		} else {
			defer events.Close()
		}
	}

	var queue *settlement.RetryQueue
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		queue = settlement.NewRetryQueue(rdb)
	} else {
		slog.Warn("REDIS_URL not set, record retry queue disabled")
	}

	var provider wallet.Provider
	if cfg.ChainRPCURL != "" {
		provider = wallet.NewHTTPProvider(cfg.ChainRPCURL)
	} else {
		slog.Warn("CHAIN_RPC_URL not set, wallet operations will be unavailable")
	}

	engine := audit.New(audit.Config{APIKey: cfg.GeminiKey, APIURL: cfg.GeminiURL}, events)
	if !engine.Configured() {
		slog.Warn("GEMINI_API_KEY not set, audit endpoint will refuse requests")
	}

	gw := gateway.New(gateway.Config{
		Treasury:      cfg.Treasury,
		TokenDecimals: token.DefaultDecimals,
	},
		engine,
		limits.NewEnforcer(store, events),
		wallet.NewBridge(provider, wallet.PolygonAmoy, cfg.Contract, token.DefaultDecimals),
		settlement.NewRecorder(store, queueOrNil(queue), events),
		store,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("healthpayd listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if queue != nil {
		worker := settlement.NewRetryWorker(queue, store, 5*time.Second)
		g.Go(func() error {
			err := worker.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// queueOrNil keeps the recorder's Enqueuer a typed nil-free interface.
func queueOrNil(q *settlement.RetryQueue) settlement.Enqueuer {
	if q == nil {
		return nil
	}
	return q
}
