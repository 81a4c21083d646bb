package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/delivery"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogJSON,
		Output: os.Stderr,
	})

	if err := run(cfg, log); err != nil {
		log.LogError(err, "chatrelay exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	store, failover, err := openStore(ctx, cfg, log, statsUpdater)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.LogError(err, "store close")
		}
	}()

	registry := presence.NewRegistry(store, log.With("component", "presence"), statsUpdater)
	engine := delivery.NewEngine(store, registry, log.With("component", "delivery"), statsUpdater, cfg.HistoryLimit)
	chatServer := server.NewChatServer(log.With("component", "chat"), registry, engine, statsUpdater, server.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		ReapInterval:   cfg.ReapInterval,
		StaleAfter:     cfg.StaleAfter,
	})
	app := api.NewChatRelayApp(mux, log, chatServer, store, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.Start)
	g.Go(func() error {
		return chatServer.Run(gctx)
	})
	if failover != nil {
		g.Go(func() error {
			return failover.Run(gctx, cfg.ProbeInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return chatServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown complete")
	return nil
}

// openStore builds the configured store. Durable drivers sit behind a
// FailoverStore so the relay keeps running on memory while they are down.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger, st stats.StatsProvider) (database.Store, *database.FailoverStore, error) {
	var primary database.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using in-memory store, history is lost on restart")
		return database.NewMemoryStore(0), nil, nil
	case config.DriverPostgres:
		pg, err := database.NewPgStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		primary = pg
	case config.DriverRedis:
		primary = database.NewRedisStore(cfg.RedisAddr)
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	failover := database.NewFailoverStore(primary, database.NewMemoryStore(0), log.With("component", "store"), st, cfg.StoreTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := failover.Ping(pingCtx); err != nil {
		log.LogError(err, "durable store unavailable at startup, serving from memory", "driver", cfg.StoreDriver)
	}

	return failover, failover, nil
}
