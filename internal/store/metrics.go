package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"polymarket-indexer/internal/derived"
	"polymarket-indexer/pkg/types"
)

// recentTradeLimit bounds the trade sample the statistics run over. The
// newest trades dominate momentum and volatility; older ones add little.
const recentTradeLimit = 100

// RecomputeMarketMetrics rebuilds the metrics snapshot for one condition
// from the trades joined through its position tokens. Prices come from the
// outcome-0 token; no_price is its complement. Liquidity is preserved from
// the previous snapshot since it is maintained by the enricher, not derived
// from trades.
func (s *Store) RecomputeMarketMetrics(ctx context.Context, conditionID string, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m := types.MarketMetrics{ConditionID: conditionID, ComputedAt: now}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(t.collateral_amount) FILTER (WHERE t.block_timestamp > $2 - interval '1 hour'), 0),
			COALESCE(SUM(t.collateral_amount) FILTER (WHERE t.block_timestamp > $2 - interval '4 hours'), 0),
			COALESCE(SUM(t.collateral_amount) FILTER (WHERE t.block_timestamp > $2 - interval '12 hours'), 0),
			COALESCE(SUM(t.collateral_amount) FILTER (WHERE t.block_timestamp > $2 - interval '24 hours'), 0),
			COUNT(*) FILTER (WHERE t.block_timestamp > $2 - interval '24 hours'),
			COUNT(DISTINCT t.trader) FILTER (WHERE t.block_timestamp > $2 - interval '24 hours')
		FROM trades t
		JOIN position_tokens pt ON pt.position_id = t.token_id
		WHERE pt.condition_id = $1`,
		conditionID, now,
	).Scan(&m.Volume1h, &m.Volume4h, &m.Volume12h, &m.Volume24h,
		&m.TradeCount24h, &m.UniqueTraders24h)
	if err != nil {
		return fmt.Errorf("aggregate volumes %s: %w", conditionID, err)
	}

	trades, err := s.recentOutcomeTrades(ctx, conditionID, 0)
	if err != nil {
		return err
	}
	prev, err := s.previousSnapshot(ctx, conditionID)
	if err != nil {
		return err
	}

	applyPriceFields(&m, trades, prev, now)
	m.PriceMomentum = derived.PriceMomentum(trades)
	m.VolumeMomentum = derived.VolumeMomentum(trades)
	m.AdjustedVolatility = derived.Volatility(trades)

	// Liquidity is maintained by the enricher, not derived from trades.
	m.TotalLiquidity = prev.TotalLiquidity
	m.TurnoverRatio = derived.TurnoverRatio(m.Volume24h, m.TotalLiquidity)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO market_metrics (condition_id, volume_1h, volume_4h, volume_12h, volume_24h,
			yes_price, no_price, yes_price_12h_ago, yes_price_24h_ago,
			price_12h_change_pct, price_24h_change_pct, total_liquidity,
			trade_count_24h, unique_traders_24h,
			price_momentum, volume_momentum, turnover_ratio, adjusted_volatility, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (condition_id) DO UPDATE SET
			volume_1h = EXCLUDED.volume_1h,
			volume_4h = EXCLUDED.volume_4h,
			volume_12h = EXCLUDED.volume_12h,
			volume_24h = EXCLUDED.volume_24h,
			yes_price = EXCLUDED.yes_price,
			no_price = EXCLUDED.no_price,
			yes_price_12h_ago = EXCLUDED.yes_price_12h_ago,
			yes_price_24h_ago = EXCLUDED.yes_price_24h_ago,
			price_12h_change_pct = EXCLUDED.price_12h_change_pct,
			price_24h_change_pct = EXCLUDED.price_24h_change_pct,
			total_liquidity = EXCLUDED.total_liquidity,
			trade_count_24h = EXCLUDED.trade_count_24h,
			unique_traders_24h = EXCLUDED.unique_traders_24h,
			price_momentum = EXCLUDED.price_momentum,
			volume_momentum = EXCLUDED.volume_momentum,
			turnover_ratio = EXCLUDED.turnover_ratio,
			adjusted_volatility = EXCLUDED.adjusted_volatility,
			computed_at = EXCLUDED.computed_at`,
		m.ConditionID, m.Volume1h, m.Volume4h, m.Volume12h, m.Volume24h,
		m.YesPrice, m.NoPrice, m.YesPrice12hAgo, m.YesPrice24hAgo,
		m.Price12hChangePct, m.Price24hChangePct, m.TotalLiquidity,
		m.TradeCount24h, m.UniqueTraders24h,
		m.PriceMomentum, m.VolumeMomentum, m.TurnoverRatio, m.AdjustedVolatility, m.ComputedAt)
	if err != nil {
		return fmt.Errorf("write metrics %s: %w", conditionID, err)
	}
	return nil
}

// applyPriceFields fills the price fields of m from the recent outcome-0
// trades. A market with no trades keeps the previous snapshot's prices:
// zeroing them would write a yes/no pair that no longer sums to one.
func applyPriceFields(m *types.MarketMetrics, trades []derived.TradePoint, prev *types.MarketMetrics, now time.Time) {
	if len(trades) == 0 {
		m.YesPrice = prev.YesPrice
		m.NoPrice = prev.NoPrice
		m.YesPrice12hAgo = prev.YesPrice12hAgo
		m.YesPrice24hAgo = prev.YesPrice24hAgo
		m.Price12hChangePct = prev.Price12hChangePct
		m.Price24hChangePct = prev.Price24hChangePct
		return
	}
	m.YesPrice = trades[0].Price
	m.NoPrice = decimal.NewFromInt(1).Sub(m.YesPrice)
	m.YesPrice12hAgo = derived.PriceAt(trades, 12*time.Hour, now)
	m.YesPrice24hAgo = derived.PriceAt(trades, 24*time.Hour, now)
	m.Price12hChangePct = derived.PercentChange(m.YesPrice, m.YesPrice12hAgo)
	m.Price24hChangePct = derived.PercentChange(m.YesPrice, m.YesPrice24hAgo)
}

// previousSnapshot loads the fields of the existing metrics row that must
// survive a recompute, zero-valued when no snapshot exists yet.
func (s *Store) previousSnapshot(ctx context.Context, conditionID string) (*types.MarketMetrics, error) {
	prev := &types.MarketMetrics{ConditionID: conditionID}
	err := s.pool.QueryRow(ctx, `
		SELECT total_liquidity, COALESCE(yes_price, 0), COALESCE(no_price, 0),
			COALESCE(yes_price_12h_ago, 0), COALESCE(yes_price_24h_ago, 0),
			COALESCE(price_12h_change_pct, 0), COALESCE(price_24h_change_pct, 0)
		FROM market_metrics WHERE condition_id = $1`, conditionID,
	).Scan(&prev.TotalLiquidity, &prev.YesPrice, &prev.NoPrice,
		&prev.YesPrice12hAgo, &prev.YesPrice24hAgo,
		&prev.Price12hChangePct, &prev.Price24hChangePct)
	if errors.Is(err, pgx.ErrNoRows) {
		return prev, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous metrics %s: %w", conditionID, err)
	}
	return prev, nil
}

// recentOutcomeTrades loads the newest trades of one outcome token,
// newest-first, capped at recentTradeLimit.
func (s *Store) recentOutcomeTrades(ctx context.Context, conditionID string, outcomeIndex int) ([]derived.TradePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.price, t.collateral_amount, t.block_timestamp
		FROM trades t
		JOIN position_tokens pt ON pt.position_id = t.token_id
		WHERE pt.condition_id = $1 AND pt.outcome_index = $2
		ORDER BY t.block_timestamp DESC, t.log_index DESC
		LIMIT $3`,
		conditionID, outcomeIndex, recentTradeLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent trades %s: %w", conditionID, err)
	}
	defer rows.Close()

	var out []derived.TradePoint
	for rows.Next() {
		var tp derived.TradePoint
		if err := rows.Scan(&tp.Price, &tp.Volume, &tp.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// SetTotalLiquidity records the catalog-reported liquidity for a market.
// Turnover is refreshed against the stored 24h volume so the two stay
// consistent between metric recomputes.
func (s *Store) SetTotalLiquidity(ctx context.Context, conditionID string, liquidity decimal.Decimal) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_metrics (condition_id, total_liquidity, computed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (condition_id) DO UPDATE SET
			total_liquidity = EXCLUDED.total_liquidity,
			turnover_ratio = CASE WHEN EXCLUDED.total_liquidity > 0
				THEN market_metrics.volume_24h / EXCLUDED.total_liquidity
				ELSE 0 END`,
		conditionID, liquidity)
	if err != nil {
		return fmt.Errorf("set liquidity %s: %w", conditionID, err)
	}
	return nil
}

// GetMarketMetrics loads the metrics snapshot of one condition, or nil
// when none has been computed yet.
func (s *Store) GetMarketMetrics(ctx context.Context, conditionID string) (*types.MarketMetrics, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m := &types.MarketMetrics{}
	err := s.pool.QueryRow(ctx, `
		SELECT condition_id, volume_1h, volume_4h, volume_12h, volume_24h,
			COALESCE(yes_price, 0), COALESCE(no_price, 0),
			COALESCE(yes_price_12h_ago, 0), COALESCE(yes_price_24h_ago, 0),
			COALESCE(price_12h_change_pct, 0), COALESCE(price_24h_change_pct, 0),
			total_liquidity, open_interest, trade_count_24h, unique_traders_24h,
			price_momentum, volume_momentum, turnover_ratio, adjusted_volatility, computed_at
		FROM market_metrics WHERE condition_id = $1`, conditionID,
	).Scan(&m.ConditionID, &m.Volume1h, &m.Volume4h, &m.Volume12h, &m.Volume24h,
		&m.YesPrice, &m.NoPrice, &m.YesPrice12hAgo, &m.YesPrice24hAgo,
		&m.Price12hChangePct, &m.Price24hChangePct,
		&m.TotalLiquidity, &m.OpenInterest, &m.TradeCount24h, &m.UniqueTraders24h,
		&m.PriceMomentum, &m.VolumeMomentum, &m.TurnoverRatio, &m.AdjustedVolatility, &m.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metrics %s: %w", conditionID, err)
	}
	return m, nil
}

// TouchedConditionIDs lists the conditions with at least one trade since
// the given time. The index job recomputes metrics only for these.
func (s *Store) TouchedConditionIDs(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT pt.condition_id
		FROM trades t
		JOIN position_tokens pt ON pt.position_id = t.token_id
		WHERE t.block_timestamp > $1`, since)
	if err != nil {
		return nil, fmt.Errorf("list touched conditions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ActiveConditionIDs lists unresolved conditions ordered by recent volume,
// capped at limit. Maintenance refreshes metrics for these.
func (s *Store) ActiveConditionIDs(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.condition_id
		FROM conditions c
		LEFT JOIN market_metrics m ON m.condition_id = c.condition_id
		WHERE NOT c.resolved
		ORDER BY COALESCE(m.volume_24h, 0) DESC, c.created_at_block DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active conditions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// PrunePriceHistory deletes ticks older than the cutoff, except for markets
// that are still unresolved; their full history stays queryable until the
// market settles.
func (s *Store) PrunePriceHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM price_history ph
		USING conditions c
		WHERE c.condition_id = ph.condition_id
		  AND c.resolved
		  AND ph.timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune price history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneEventLogs deletes archived raw events older than the cutoff.
// TransferSingle rows are exempt: their archive keys are the replay guard
// for additive balance deltas, and pruning them would let a replay of an
// old range double-count balances.
func (s *Store) PruneEventLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM event_logs WHERE created_at < $1 AND event_name <> $2`,
		cutoff, types.EventTransferSingle)
	if err != nil {
		return 0, fmt.Errorf("prune event logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
