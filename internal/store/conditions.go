package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"polymarket-indexer/pkg/types"
)

// CreateCondition inserts a newly prepared condition together with its
// position-token rows, one per outcome slot. Replaying the same
// ConditionPreparation is a no-op for both tables.
func (s *Store) CreateCondition(ctx context.Context, c *types.Condition) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conditions (condition_id, oracle, question_id, outcome_slot_count,
				created_at_block, created_at_tx, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (condition_id) DO NOTHING`,
			c.ConditionID, c.Oracle, c.QuestionID, c.OutcomeSlotCount,
			c.CreatedAtBlock, c.CreatedAtTx, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert condition %s: %w", c.ConditionID, err)
		}

		for i := 0; i < c.OutcomeSlotCount; i++ {
			pid := types.PositionID(c.ConditionID, i)
			_, err := tx.Exec(ctx, `
				INSERT INTO position_tokens (position_id, condition_id, collection_id, outcome_index)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (position_id) DO NOTHING`,
				pid, c.ConditionID, pid, i)
			if err != nil {
				return fmt.Errorf("insert position token %s: %w", pid, err)
			}
		}
		return nil
	})
}

// ResolveCondition marks a condition resolved with its payout vector.
// Resolving an unknown condition creates no row; the caller decides whether
// that is worth a warning.
func (s *Store) ResolveCondition(ctx context.Context, conditionID string, payoutNumerators []string, block uint64, txHash string, at time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conditions SET
			resolved = TRUE,
			resolved_at_block = $2,
			resolved_at_tx = $3,
			resolved_at = $4,
			payout_numerators = $5,
			updated_at = NOW()
		WHERE condition_id = $1`,
		conditionID, block, txHash, at, payoutNumerators)
	if err != nil {
		return false, fmt.Errorf("resolve condition %s: %w", conditionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// EnrichCondition merges catalog metadata into a condition. Nil fields keep
// whatever is already stored; the merge never nulls out existing metadata.
func (s *Store) EnrichCondition(ctx context.Context, c *types.Condition) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conditions SET
			question = COALESCE($2, question),
			description = COALESCE($3, description),
			end_date = COALESCE($4, end_date),
			category = COALESCE($5, category),
			image_url = COALESCE($6, image_url),
			resolution_source = COALESCE($7, resolution_source),
			updated_at = NOW()
		WHERE condition_id = $1`,
		c.ConditionID, c.Question, c.Description, c.EndDate,
		c.Category, c.ImageURL, c.ResolutionSource)
	if err != nil {
		return false, fmt.Errorf("enrich condition %s: %w", c.ConditionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetCondition loads one condition, or nil when it does not exist.
func (s *Store) GetCondition(ctx context.Context, conditionID string) (*types.Condition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	c := &types.Condition{}
	err := s.pool.QueryRow(ctx, `
		SELECT condition_id, oracle, question_id, outcome_slot_count,
			created_at_block, created_at_tx, created_at,
			resolved, resolved_at_block, resolved_at_tx, resolved_at, payout_numerators,
			question, description, end_date, category, image_url, resolution_source
		FROM conditions WHERE condition_id = $1`, conditionID,
	).Scan(&c.ConditionID, &c.Oracle, &c.QuestionID, &c.OutcomeSlotCount,
		&c.CreatedAtBlock, &c.CreatedAtTx, &c.CreatedAt,
		&c.Resolved, &c.ResolvedAtBlock, &c.ResolvedAtTx, &c.ResolvedAt, &c.PayoutNumerators,
		&c.Question, &c.Description, &c.EndDate, &c.Category, &c.ImageURL, &c.ResolutionSource)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load condition %s: %w", conditionID, err)
	}
	return c, nil
}

// LookupPositionToken resolves an on-chain token id to its condition and
// outcome, or nil when the token belongs to no known condition.
func (s *Store) LookupPositionToken(ctx context.Context, positionID string) (*types.PositionToken, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return lookupPositionToken(ctx, s.pool, positionID)
}

func lookupPositionToken(ctx context.Context, q querier, positionID string) (*types.PositionToken, error) {
	pt := &types.PositionToken{}
	err := q.QueryRow(ctx, `
		SELECT position_id, condition_id, collection_id, outcome_index
		FROM position_tokens WHERE position_id = $1`, positionID,
	).Scan(&pt.PositionID, &pt.ConditionID, &pt.CollectionID, &pt.OutcomeIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup position token %s: %w", positionID, err)
	}
	return pt, nil
}

// RegisterPositionToken maps an on-chain token id to a condition outcome.
// Used when token ids observed on chain differ from the derived convention.
func (s *Store) RegisterPositionToken(ctx context.Context, pt *types.PositionToken) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_tokens (position_id, condition_id, collection_id, outcome_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (position_id) DO NOTHING`,
		pt.PositionID, pt.ConditionID, pt.CollectionID, pt.OutcomeIndex)
	if err != nil {
		return fmt.Errorf("register position token %s: %w", pt.PositionID, err)
	}
	return nil
}

// UnresolvedConditionIDs lists conditions still awaiting resolution, used by
// the enricher to bound its catalog walk.
func (s *Store) UnresolvedConditionIDs(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT condition_id FROM conditions WHERE NOT resolved`)
	if err != nil {
		return nil, fmt.Errorf("list unresolved conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
