// Package store is the PostgreSQL persistence layer.
//
// All writes are idempotent: natural-key upserts with ON CONFLICT make a
// replay of any block range converge to the same rows. Derived state
// (positions, stats, metrics) is updated in the same transaction as the
// fact that caused it, so a crash never leaves a trade applied without its
// position update.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"polymarket-indexer/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a pgx connection pool with the indexer's queries.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	logger       *slog.Logger
}

// Open connects to PostgreSQL, applies the schema, and returns a ready
// Store. The pool size and per-query timeout come from configuration.
func Open(ctx context.Context, databaseURL string, poolSize int, queryTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(poolSize)
	if poolCfg.MaxConns > 5 {
		poolCfg.MinConns = 5
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &Store{
		pool:         pool,
		queryTimeout: queryTimeout,
		logger:       logger.With("component", "store"),
	}
	if err := s.applySchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applySchema(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// opCtx bounds one statement or transaction by the configured query timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// withTx runs fn in a transaction bounded by the query timeout, committing
// on nil and rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is the subset of pgx shared by pool and transaction, so the same
// statement can run standalone or inside withTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetLastProcessedBlock returns the checkpoint of a named sub-indexer, or
// defaultBlock when the sub-indexer has never run.
func (s *Store) GetLastProcessedBlock(ctx context.Context, name string, defaultBlock uint64) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var last uint64
	err := s.pool.QueryRow(ctx,
		`SELECT last_processed_block FROM indexer_state WHERE name = $1`, name,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultBlock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return last, nil
}

// UpdateIndexerState advances the checkpoint after a successful batch. The
// processed-events counter is cumulative across runs; a success clears any
// previous error message.
func (s *Store) UpdateIndexerState(ctx context.Context, name string, lastBlock uint64, status types.IndexerStatus, eventsProcessed int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, status, error_message, total_events_processed, updated_at)
		VALUES ($1, $2, $3, NULL, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			status = EXCLUDED.status,
			error_message = NULL,
			total_events_processed = indexer_state.total_events_processed + EXCLUDED.total_events_processed,
			updated_at = NOW()`,
		name, lastBlock, string(status), eventsProcessed)
	if err != nil {
		return fmt.Errorf("update indexer state %s: %w", name, err)
	}
	return nil
}

// MarkIndexerError records a failed cycle without moving the checkpoint.
func (s *Store) MarkIndexerError(ctx context.Context, name string, lastBlock uint64, cause error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, status, error_message, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()`,
		name, lastBlock, string(types.StatusError), cause.Error())
	if err != nil {
		return fmt.Errorf("mark indexer error %s: %w", name, err)
	}
	return nil
}

// GetIndexerState loads the full checkpoint row for one sub-indexer, or nil
// when the sub-indexer has never run.
func (s *Store) GetIndexerState(ctx context.Context, name string) (*types.IndexerState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	st := &types.IndexerState{Name: name}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT last_processed_block, status, error_message, total_events_processed, updated_at
		FROM indexer_state WHERE name = $1`, name,
	).Scan(&st.LastProcessedBlock, &status, &st.ErrorMessage, &st.TotalEventsProcessed, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load indexer state %s: %w", name, err)
	}
	st.Status = types.IndexerStatus(status)
	return st, nil
}

// UpsertBlock records one observed block. Re-inserting the same number is a
// no-op; block rows are immutable.
func (s *Store) UpsertBlock(ctx context.Context, b *types.Block) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (number, hash, parent_hash, timestamp, gas_used, gas_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (number) DO NOTHING`,
		b.Number, b.Hash, b.ParentHash, b.Timestamp, b.GasUsed, b.GasLimit)
	if err != nil {
		return fmt.Errorf("upsert block %d: %w", b.Number, err)
	}
	return nil
}

// ArchiveEventLog stores the raw copy of one handled event for replay and
// debugging. Duplicate (tx_hash, log_index) pairs are ignored.
func (s *Store) ArchiveEventLog(ctx context.Context, ev *types.EventLog) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := archiveEventLog(ctx, s.pool, ev)
	return err
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// archiveEventLog inserts the archive row, reporting whether it was new.
// ApplyTransfer uses that as its in-transaction replay guard.
func archiveEventLog(ctx context.Context, q querier, ev *types.EventLog) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO event_logs (block_number, tx_hash, log_index, contract_address, event_name, event_data, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		ev.BlockNumber, ev.TxHash, ev.LogIndex, ev.ContractAddress, ev.EventName, ev.EventArgs, ev.Processed)
	if err != nil {
		return false, fmt.Errorf("archive event %s/%d: %w", ev.TxHash, ev.LogIndex, err)
	}
	return tag.RowsAffected() > 0, nil
}
