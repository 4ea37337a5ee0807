// Package maintenance is the daily housekeeping job: refresh metrics for
// the busiest markets regardless of recent trading, and prune cold derived
// data past its retention window.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"polymarket-indexer/internal/config"
)

// maxRefreshMarkets bounds the daily full metrics refresh.
const maxRefreshMarkets = 1000

// Store is what maintenance needs from the persistence layer.
type Store interface {
	ActiveConditionIDs(ctx context.Context, limit int) ([]string, error)
	RecomputeMarketMetrics(ctx context.Context, conditionID string, now time.Time) error
	PrunePriceHistory(ctx context.Context, cutoff time.Time) (int64, error)
	PruneEventLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner executes the maintenance pass.
type Runner struct {
	store            Store
	priceHistoryDays int
	eventLogDays     int
	logger           *slog.Logger
}

// New builds a Runner from configuration.
func New(store Store, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		store:            store,
		priceHistoryDays: cfg.Retention.PriceHistoryDays,
		eventLogDays:     cfg.Retention.EventLogDays,
		logger:           logger.With("component", "maintenance"),
	}
}

// Run refreshes metrics for active markets and prunes retained data. Each
// step is independent; a failing step is logged and the rest still run, and
// the first failure is returned.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now().UTC()
	var firstErr error

	ids, err := r.store.ActiveConditionIDs(ctx, maxRefreshMarkets)
	if err != nil {
		r.logger.Error("listing active markets failed", "error", err)
		firstErr = err
	}
	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.store.RecomputeMarketMetrics(ctx, id, now); err != nil {
			r.logger.Warn("metrics refresh failed", "condition_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	r.logger.Info("metrics refreshed", "markets", refreshed)

	if pruned, err := r.store.PrunePriceHistory(ctx, now.AddDate(0, 0, -r.priceHistoryDays)); err != nil {
		r.logger.Error("price history prune failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		r.logger.Info("price history pruned", "rows", pruned)
	}

	if pruned, err := r.store.PruneEventLogs(ctx, now.AddDate(0, 0, -r.eventLogDays)); err != nil {
		r.logger.Error("event log prune failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		r.logger.Info("event logs pruned", "rows", pruned)
	}

	return firstErr
}
