// Polymarket Indexer - a resumable blockchain indexer for Polymarket
// prediction markets on Polygon.
//
// Architecture:
//
//	main.go                    - entry point: config, wiring, SIGINT/SIGTERM
//	chain/reader.go            - eth_getLogs batching, retry, sub-batch splitting
//	chain/events.go            - ABIs and typed log decoding
//	indexer/pipeline.go        - per-contract checkpointed index cycle
//	indexer/applier.go         - event handlers writing facts and derived state
//	derived/position.go        - position accounting (cost basis, realized PnL)
//	derived/stats.go           - windowed market statistics
//	enrich/enricher.go         - hourly catalog walk merging off-chain metadata
//	maintenance/maintenance.go - daily metrics refresh and retention pruning
//	scheduler/scheduler.go     - job queues, timeouts, Redis leases
//	store/                     - PostgreSQL persistence, idempotent upserts
//	api/                       - optional read-only status HTTP endpoints
//
// The indexer scans two contracts past independent checkpoints, folds the
// decoded events into positions, balances, user stats and market metrics,
// and re-derives everything identically on replay.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"polymarket-indexer/internal/api"
	"polymarket-indexer/internal/chain"
	"polymarket-indexer/internal/config"
	"polymarket-indexer/internal/enrich"
	"polymarket-indexer/internal/indexer"
	"polymarket-indexer/internal/maintenance"
	"polymarket-indexer/internal/scheduler"
	"polymarket-indexer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.URL, cfg.Database.PoolSize, cfg.Database.QueryTimeout, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reader, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.MaxRetryAttempts, logger)
	if err != nil {
		logger.Error("failed to connect to rpc", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err)
		os.Exit(1)
	}

	pipeline := indexer.NewPipeline(db, reader, cfg, logger)
	enricher := enrich.New(db, enrich.NewClient(cfg.Catalog.BaseURL, logger), logger)
	maint := maintenance.New(db, cfg, logger)

	sched := scheduler.New(rdb, []scheduler.Job{
		{
			Name:      "index",
			Interval:  cfg.IndexInterval(),
			Immediate: cfg.Indexer.TriggerImmediate,
			Run:       pipeline.Run,
		},
		{
			Name:     "enrich-metadata",
			Interval: time.Hour,
			Run:      enricher.Run,
		},
		{
			Name:     "maintenance",
			Interval: 24 * time.Hour,
			Run:      maint.Run,
		},
	}, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Port, db, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
	}

	if stats, err := db.GetIndexerStats(ctx); err == nil {
		logger.Info("polymarket indexer started",
			"start_block", cfg.Chain.StartBlock,
			"batch_size", cfg.Indexer.BatchSize,
			"interval", cfg.IndexInterval(),
			"conditions", stats.TotalConditions,
			"trades", stats.TotalTrades,
		)
	}

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status api", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
