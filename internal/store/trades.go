package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"polymarket-indexer/internal/derived"
	"polymarket-indexer/pkg/types"
)

// RecordTrade stores one fill and folds it into the derived state in a
// single transaction: the trade row, the trader's market position, the
// trader's aggregate stats, and a price-history tick.
//
// The trade's (tx_hash, log_index) key makes the whole unit idempotent: a
// duplicate fill inserts nothing and skips every derived update, so replays
// never double-count. Returns whether the trade was new.
//
// A token id with no position_tokens mapping still records the trade and
// the user stats, but the position and price tick are skipped since the
// market is unknown.
func (s *Store) RecordTrade(ctx context.Context, t *types.Trade) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO trades (tx_hash, log_index, block_number, block_timestamp,
				exchange_address, trader, token_id, collateral_token,
				token_amount, collateral_amount, price, is_buy, order_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`,
			t.TxHash, t.LogIndex, t.BlockNumber, t.BlockTimestamp,
			t.ExchangeAddress, t.Trader, t.TokenID, t.CollateralToken,
			t.TokenAmount, t.CollateralAmount, t.Price, t.IsBuy, t.OrderID)
		if err != nil {
			return fmt.Errorf("insert trade %s/%d: %w", t.TxHash, t.LogIndex, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		if err := upsertUserStats(ctx, tx, t); err != nil {
			return err
		}

		pt, err := lookupPositionToken(ctx, tx, t.TokenID)
		if err != nil {
			return err
		}
		if pt == nil {
			s.logger.Warn("trade on unknown token, skipping position update",
				"token_id", t.TokenID, "tx", t.TxHash, "log_index", t.LogIndex)
			return nil
		}

		if err := updatePosition(ctx, tx, s.logger, t, pt); err != nil {
			return err
		}
		return insertPriceTick(ctx, tx, t, pt)
	})
	return inserted, err
}

func upsertUserStats(ctx context.Context, q querier, t *types.Trade) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_stats (user_address, total_volume, total_trades,
			first_trade_at, last_trade_at, last_updated_at)
		VALUES ($1, $2, 1, $3, $3, NOW())
		ON CONFLICT (user_address) DO UPDATE SET
			total_volume = user_stats.total_volume + EXCLUDED.total_volume,
			total_trades = user_stats.total_trades + 1,
			first_trade_at = LEAST(user_stats.first_trade_at, EXCLUDED.first_trade_at),
			last_trade_at = GREATEST(user_stats.last_trade_at, EXCLUDED.last_trade_at),
			last_updated_at = NOW()`,
		t.Trader, t.CollateralAmount, t.BlockTimestamp)
	if err != nil {
		return fmt.Errorf("upsert user stats %s: %w", t.Trader, err)
	}
	return nil
}

// updatePosition loads the trader's position for this market outcome, folds
// the fill into it, and writes it back. The row is locked for the duration
// of the transaction.
func updatePosition(ctx context.Context, tx pgx.Tx, logger *slog.Logger, t *types.Trade, pt *types.PositionToken) error {
	pos := types.UserMarketPosition{
		User:         t.Trader,
		ConditionID:  pt.ConditionID,
		OutcomeIndex: pt.OutcomeIndex,
	}
	err := tx.QueryRow(ctx, `
		SELECT total_shares_bought, total_shares_sold, current_shares,
			total_cost_basis, total_proceeds, COALESCE(average_buy_price, 0),
			realized_pnl, COALESCE(first_trade_at, 'epoch'::timestamptz), COALESCE(last_trade_at, 'epoch'::timestamptz)
		FROM user_market_positions
		WHERE user_address = $1 AND condition_id = $2 AND outcome_index = $3
		FOR UPDATE`,
		t.Trader, pt.ConditionID, pt.OutcomeIndex,
	).Scan(&pos.TotalSharesBought, &pos.TotalSharesSold, &pos.CurrentShares,
		&pos.TotalCostBasis, &pos.TotalProceeds, &pos.AverageBuyPrice,
		&pos.RealizedPnL, &pos.FirstTradeAt, &pos.LastTradeAt)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("load position %s/%s/%d: %w", t.Trader, pt.ConditionID, pt.OutcomeIndex, err)
	}

	pos, write := derived.ApplyTrade(pos, exists, t.IsBuy, t.TokenAmount, t.CollateralAmount, t.BlockTimestamp)
	if !write {
		logger.Warn("sell with no prior position, skipping position update",
			"user", t.Trader, "condition_id", pt.ConditionID, "outcome", pt.OutcomeIndex)
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_market_positions (user_address, condition_id, outcome_index,
			total_shares_bought, total_shares_sold, current_shares,
			total_cost_basis, total_proceeds, average_buy_price,
			realized_pnl, first_trade_at, last_trade_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (user_address, condition_id, outcome_index) DO UPDATE SET
			total_shares_bought = EXCLUDED.total_shares_bought,
			total_shares_sold = EXCLUDED.total_shares_sold,
			current_shares = EXCLUDED.current_shares,
			total_cost_basis = EXCLUDED.total_cost_basis,
			total_proceeds = EXCLUDED.total_proceeds,
			average_buy_price = EXCLUDED.average_buy_price,
			realized_pnl = EXCLUDED.realized_pnl,
			first_trade_at = EXCLUDED.first_trade_at,
			last_trade_at = EXCLUDED.last_trade_at,
			last_updated_at = NOW()`,
		pos.User, pos.ConditionID, pos.OutcomeIndex,
		pos.TotalSharesBought, pos.TotalSharesSold, pos.CurrentShares,
		pos.TotalCostBasis, pos.TotalProceeds, pos.AverageBuyPrice,
		pos.RealizedPnL, pos.FirstTradeAt, pos.LastTradeAt)
	if err != nil {
		return fmt.Errorf("write position %s/%s/%d: %w", pos.User, pos.ConditionID, pos.OutcomeIndex, err)
	}
	return nil
}

// insertPriceTick appends one trade as a degenerate OHLC bar. Aggregation
// into wider bars is left to queries.
func insertPriceTick(ctx context.Context, q querier, t *types.Trade, pt *types.PositionToken) error {
	_, err := q.Exec(ctx, `
		INSERT INTO price_history (condition_id, outcome_index, block_number, timestamp,
			open_price, high_price, low_price, close_price, volume, trade_count)
		VALUES ($1, $2, $3, $4, $5, $5, $5, $5, $6, 1)`,
		pt.ConditionID, pt.OutcomeIndex, t.BlockNumber, t.BlockTimestamp,
		t.Price, t.CollateralAmount)
	if err != nil {
		return fmt.Errorf("insert price tick %s/%d: %w", pt.ConditionID, pt.OutcomeIndex, err)
	}
	return nil
}

// ApplyTransfer folds the legs of one ERC-1155 transfer into balances and
// archives the event in a single transaction. The archive row's
// (tx_hash, log_index) key is the replay guard: an already archived event
// applies no deltas, so the additive updates never double-count even when
// the same range is indexed twice. Returns whether the event was new.
func (s *Store) ApplyTransfer(ctx context.Context, ev *types.EventLog, deltas []types.BalanceDelta) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		inserted, err := archiveEventLog(ctx, tx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		for i := range deltas {
			if err := applyBalanceDelta(ctx, tx, &deltas[i]); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// applyBalanceDelta folds one transfer leg into a user's token balance.
// Deltas are additive; ApplyTransfer's archive guard keeps them idempotent.
func applyBalanceDelta(ctx context.Context, q querier, d *types.BalanceDelta) error {
	_, err := q.Exec(ctx, `
		INSERT INTO balances (user_address, token_id, balance,
			last_updated_block, last_updated_tx, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_address, token_id) DO UPDATE SET
			balance = balances.balance + EXCLUDED.balance,
			last_updated_block = EXCLUDED.last_updated_block,
			last_updated_tx = EXCLUDED.last_updated_tx,
			last_updated_at = EXCLUDED.last_updated_at`,
		d.User, d.TokenID, d.Delta, d.BlockNumber, d.TxHash, d.Timestamp)
	if err != nil {
		return fmt.Errorf("apply balance delta %s/%s: %w", d.User, d.TokenID, err)
	}
	return nil
}

// GetBalance loads one user's holding of one token, or nil when the user
// has never held it.
func (s *Store) GetBalance(ctx context.Context, user, tokenID string) (*types.Balance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	b := &types.Balance{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_address, token_id, balance, last_updated_block, last_updated_tx, last_updated_at
		FROM balances WHERE user_address = $1 AND token_id = $2`, user, tokenID,
	).Scan(&b.User, &b.TokenID, &b.Balance, &b.LastUpdatedBlock, &b.LastUpdatedTx, &b.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance %s/%s: %w", user, tokenID, err)
	}
	return b, nil
}
