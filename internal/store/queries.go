package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"polymarket-indexer/pkg/types"
)

// MarketSummary is one row of the active-markets listing: lifecycle fields
// from conditions joined with the latest metrics snapshot.
type MarketSummary struct {
	ConditionID   string
	Question      *string
	Category      *string
	EndDate       *string
	YesPrice      decimal.Decimal
	NoPrice       decimal.Decimal
	Volume24h     decimal.Decimal
	TradeCount24h int64
	Liquidity     decimal.Decimal
}

// GetActiveMarkets lists unresolved markets ordered by 24h volume.
func (s *Store) GetActiveMarkets(ctx context.Context, limit int) ([]MarketSummary, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.condition_id, c.question, c.category, to_char(c.end_date, 'YYYY-MM-DD"T"HH24:MI:SS"Z"'),
			COALESCE(m.yes_price, 0), COALESCE(m.no_price, 0),
			COALESCE(m.volume_24h, 0), COALESCE(m.trade_count_24h, 0),
			COALESCE(m.total_liquidity, 0)
		FROM conditions c
		LEFT JOIN market_metrics m ON m.condition_id = c.condition_id
		WHERE NOT c.resolved
		ORDER BY COALESCE(m.volume_24h, 0) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	defer rows.Close()

	var out []MarketSummary
	for rows.Next() {
		var ms MarketSummary
		if err := rows.Scan(&ms.ConditionID, &ms.Question, &ms.Category, &ms.EndDate,
			&ms.YesPrice, &ms.NoPrice, &ms.Volume24h, &ms.TradeCount24h, &ms.Liquidity); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// GetMarketTrades lists the newest trades of one market across all of its
// outcome tokens.
func (s *Store) GetMarketTrades(ctx context.Context, conditionID string, limit int) ([]types.Trade, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT t.tx_hash, t.log_index, t.block_number, t.block_timestamp,
			t.exchange_address, t.trader, t.token_id, t.collateral_token,
			t.token_amount, t.collateral_amount, t.price, t.is_buy, t.order_id
		FROM trades t
		JOIN position_tokens pt ON pt.position_id = t.token_id
		WHERE pt.condition_id = $1
		ORDER BY t.block_timestamp DESC, t.log_index DESC
		LIMIT $2`, conditionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list market trades %s: %w", conditionID, err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		if err := rows.Scan(&t.TxHash, &t.LogIndex, &t.BlockNumber, &t.BlockTimestamp,
			&t.ExchangeAddress, &t.Trader, &t.TokenID, &t.CollateralToken,
			&t.TokenAmount, &t.CollateralAmount, &t.Price, &t.IsBuy, &t.OrderID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IndexerStats is the operational overview: checkpoint rows plus row counts
// of the main fact tables.
type IndexerStats struct {
	Indexers        []types.IndexerState
	TotalConditions int64
	TotalTrades     int64
	TotalTraders    int64
}

// GetIndexerStats loads checkpoints and table counts for dashboards and the
// startup log line.
func (s *Store) GetIndexerStats(ctx context.Context) (*IndexerStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	stats := &IndexerStats{}
	rows, err := s.pool.Query(ctx, `
		SELECT name, last_processed_block, status, error_message, total_events_processed, updated_at
		FROM indexer_state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list indexer state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st types.IndexerState
		var status string
		if err := rows.Scan(&st.Name, &st.LastProcessedBlock, &status,
			&st.ErrorMessage, &st.TotalEventsProcessed, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Status = types.IndexerStatus(status)
		stats.Indexers = append(stats.Indexers, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM conditions),
			(SELECT COUNT(*) FROM trades),
			(SELECT COUNT(*) FROM user_stats)`,
	).Scan(&stats.TotalConditions, &stats.TotalTrades, &stats.TotalTraders)
	if err != nil {
		return nil, fmt.Errorf("count tables: %w", err)
	}
	return stats, nil
}

// PositionPnL is one user position valued at the market's current price.
type PositionPnL struct {
	Position      types.UserMarketPosition
	Question      *string
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal
}

// CalculateUserPnL values the positions of one user at the current outcome
// price from the metrics snapshot. An empty conditionID covers every market
// the user has traded; a non-empty one restricts to that market. Positions
// in markets with no snapshot value at zero unrealized.
func (s *Store) CalculateUserPnL(ctx context.Context, user, conditionID string) ([]PositionPnL, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT p.user_address, p.condition_id, p.outcome_index,
			p.total_shares_bought, p.total_shares_sold, p.current_shares,
			p.total_cost_basis, p.total_proceeds, COALESCE(p.average_buy_price, 0), p.realized_pnl,
			c.question,
			CASE WHEN p.outcome_index = 0
				THEN COALESCE(m.yes_price, 0)
				ELSE COALESCE(m.no_price, 0) END
		FROM user_market_positions p
		JOIN conditions c ON c.condition_id = p.condition_id
		LEFT JOIN market_metrics m ON m.condition_id = p.condition_id
		WHERE p.user_address = $1 AND ($2 = '' OR p.condition_id = $2)
		ORDER BY p.last_trade_at DESC`, user, conditionID)
	if err != nil {
		return nil, fmt.Errorf("user pnl %s: %w", user, err)
	}
	defer rows.Close()

	var out []PositionPnL
	for rows.Next() {
		var pp PositionPnL
		p := &pp.Position
		if err := rows.Scan(&p.User, &p.ConditionID, &p.OutcomeIndex,
			&p.TotalSharesBought, &p.TotalSharesSold, &p.CurrentShares,
			&p.TotalCostBasis, &p.TotalProceeds, &p.AverageBuyPrice, &p.RealizedPnL,
			&pp.Question, &pp.CurrentPrice); err != nil {
			return nil, err
		}
		if p.CurrentShares.IsPositive() {
			pp.UnrealizedPnL = p.CurrentShares.Mul(pp.CurrentPrice.Sub(p.AverageBuyPrice))
		}
		pp.TotalPnL = p.RealizedPnL.Add(pp.UnrealizedPnL)
		out = append(out, pp)
	}
	return out, rows.Err()
}

// GetTopPositions lists the largest open positions in one market by share
// count.
func (s *Store) GetTopPositions(ctx context.Context, conditionID string, limit int) ([]types.UserMarketPosition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT user_address, condition_id, outcome_index,
			total_shares_bought, total_shares_sold, current_shares,
			total_cost_basis, total_proceeds, COALESCE(average_buy_price, 0), realized_pnl
		FROM user_market_positions
		WHERE condition_id = $1 AND current_shares > 0
		ORDER BY current_shares DESC
		LIMIT $2`, conditionID, limit)
	if err != nil {
		return nil, fmt.Errorf("top positions %s: %w", conditionID, err)
	}
	defer rows.Close()

	var out []types.UserMarketPosition
	for rows.Next() {
		var p types.UserMarketPosition
		if err := rows.Scan(&p.User, &p.ConditionID, &p.OutcomeIndex,
			&p.TotalSharesBought, &p.TotalSharesSold, &p.CurrentShares,
			&p.TotalCostBasis, &p.TotalProceeds, &p.AverageBuyPrice, &p.RealizedPnL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUserAggregateStats loads one user's lifetime totals, or nil for a user
// who has never traded.
func (s *Store) GetUserAggregateStats(ctx context.Context, user string) (*types.UserStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	us := &types.UserStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_address, total_volume, total_trades,
			COALESCE(first_trade_at, 'epoch'::timestamptz), COALESCE(last_trade_at, 'epoch'::timestamptz)
		FROM user_stats WHERE user_address = $1`, user,
	).Scan(&us.User, &us.TotalVolume, &us.TotalTrades, &us.FirstTradeAt, &us.LastTradeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user stats %s: %w", user, err)
	}
	return us, nil
}
