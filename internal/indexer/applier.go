// Package indexer orchestrates the index cycle: pull decoded events from
// the chain reader, apply them to the store, and advance per-contract
// checkpoints.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-indexer/internal/derived"
	"polymarket-indexer/pkg/types"
)

// Store is what the applier and pipeline need from the persistence layer.
type Store interface {
	CreateCondition(ctx context.Context, c *types.Condition) error
	ResolveCondition(ctx context.Context, conditionID string, payoutNumerators []string, block uint64, txHash string, at time.Time) (bool, error)
	RecordTrade(ctx context.Context, t *types.Trade) (bool, error)
	ApplyTransfer(ctx context.Context, ev *types.EventLog, deltas []types.BalanceDelta) (bool, error)
	ArchiveEventLog(ctx context.Context, ev *types.EventLog) error
	UpsertBlock(ctx context.Context, b *types.Block) error

	GetLastProcessedBlock(ctx context.Context, name string, defaultBlock uint64) (uint64, error)
	UpdateIndexerState(ctx context.Context, name string, lastBlock uint64, status types.IndexerStatus, eventsProcessed int64) error
	MarkIndexerError(ctx context.Context, name string, lastBlock uint64, cause error) error

	TouchedConditionIDs(ctx context.Context, since time.Time) ([]string, error)
	RecomputeMarketMetrics(ctx context.Context, conditionID string, now time.Time) error
}

// Applier turns decoded events into store writes. Every handler is safe to
// replay: the underlying writes are keyed by (tx_hash, log_index).
type Applier struct {
	store  Store
	logger *slog.Logger
}

// NewApplier builds an Applier.
func NewApplier(store Store, logger *slog.Logger) *Applier {
	return &Applier{store: store, logger: logger.With("component", "applier")}
}

// Apply dispatches one decoded event to its handler and archives the raw
// event. Unknown event names are logged and skipped; a handler error aborts
// the batch so the checkpoint does not advance past it.
func (a *Applier) Apply(ctx context.Context, ev types.DecodedEvent) error {
	var err error
	archived := false
	switch args := ev.Args.(type) {
	case types.ConditionPreparationArgs:
		err = a.applyPreparation(ctx, ev, args)
	case types.ConditionResolutionArgs:
		err = a.applyResolution(ctx, ev, args)
	case types.TransferSingleArgs:
		// The transfer handler archives inside its own transaction; the
		// archive row is the replay guard for the additive deltas.
		err = a.applyTransfer(ctx, ev, args)
		archived = err == nil
	case types.OrderFilledArgs:
		err = a.applyOrderFilled(ctx, ev, args)
	default:
		a.logger.Warn("skipping unhandled event",
			"event", ev.Name, "tx", ev.TxHash, "log_index", ev.LogIndex)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s %s/%d: %w", ev.Name, ev.TxHash, ev.LogIndex, err)
	}
	if archived {
		return nil
	}
	return a.archive(ctx, ev)
}

func (a *Applier) applyPreparation(ctx context.Context, ev types.DecodedEvent, args types.ConditionPreparationArgs) error {
	return a.store.CreateCondition(ctx, &types.Condition{
		ConditionID:      args.ConditionID,
		Oracle:           args.Oracle,
		QuestionID:       args.QuestionID,
		OutcomeSlotCount: args.OutcomeSlotCount,
		CreatedAtBlock:   ev.BlockNumber,
		CreatedAtTx:      ev.TxHash,
		CreatedAt:        ev.BlockTimestamp,
	})
}

func (a *Applier) applyResolution(ctx context.Context, ev types.DecodedEvent, args types.ConditionResolutionArgs) error {
	known, err := a.store.ResolveCondition(ctx, args.ConditionID, args.PayoutNumerators,
		ev.BlockNumber, ev.TxHash, ev.BlockTimestamp)
	if err != nil {
		return err
	}
	if !known {
		// Resolution for a condition prepared before the start block.
		a.logger.Warn("resolution for unknown condition",
			"condition_id", args.ConditionID, "tx", ev.TxHash)
	}
	return nil
}

// applyTransfer records both legs of an ERC-1155 transfer as balance
// deltas, skipping the zero-address leg of mints and burns. Both deltas
// and the event archive commit in one store transaction, so a crash
// between legs leaves nothing behind and a replay applies the whole event
// exactly once.
func (a *Applier) applyTransfer(ctx context.Context, ev types.DecodedEvent, args types.TransferSingleArgs) error {
	var deltas []types.BalanceDelta
	if args.From != types.ZeroAddress {
		deltas = append(deltas, types.BalanceDelta{
			User:        args.From,
			TokenID:     args.ID,
			Delta:       args.Value.Neg(),
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			Timestamp:   ev.BlockTimestamp,
		})
	}
	if args.To != types.ZeroAddress {
		deltas = append(deltas, types.BalanceDelta{
			User:        args.To,
			TokenID:     args.ID,
			Delta:       args.Value,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			Timestamp:   ev.BlockTimestamp,
		})
	}
	_, err := a.store.ApplyTransfer(ctx, a.eventLog(ev), deltas)
	return err
}

// applyOrderFilled derives a trade from a fill. The taker is the trader of
// record; side 0 means the taker bought outcome tokens. Token and
// collateral amounts come straight from the maker and taker legs, and the
// price is collateral per share clamped to [0,1].
func (a *Applier) applyOrderFilled(ctx context.Context, ev types.DecodedEvent, args types.OrderFilledArgs) error {
	_, err := a.store.RecordTrade(ctx, &types.Trade{
		TxHash:           ev.TxHash,
		LogIndex:         ev.LogIndex,
		BlockNumber:      ev.BlockNumber,
		BlockTimestamp:   ev.BlockTimestamp,
		ExchangeAddress:  ev.ContractAddress,
		Trader:           args.Taker,
		TokenID:          args.TokenID,
		CollateralToken:  types.CollateralUSDC,
		TokenAmount:      args.MakerAmount,
		CollateralAmount: args.TakerAmount,
		Price:            derived.TradePrice(args.MakerAmount, args.TakerAmount),
		IsBuy:            args.Side == 0,
	})
	return err
}

func (a *Applier) archive(ctx context.Context, ev types.DecodedEvent) error {
	return a.store.ArchiveEventLog(ctx, a.eventLog(ev))
}

func (a *Applier) eventLog(ev types.DecodedEvent) *types.EventLog {
	return &types.EventLog{
		BlockNumber:     ev.BlockNumber,
		TxHash:          ev.TxHash,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		EventName:       ev.Name,
		EventArgs:       argsMap(ev.Args),
		Processed:       true,
	}
}

// argsMap flattens a typed argument bag into the JSON shape stored in the
// event archive.
func argsMap(args any) map[string]any {
	switch a := args.(type) {
	case types.ConditionPreparationArgs:
		return map[string]any{
			"conditionId":      a.ConditionID,
			"oracle":           a.Oracle,
			"questionId":       a.QuestionID,
			"outcomeSlotCount": a.OutcomeSlotCount,
		}
	case types.ConditionResolutionArgs:
		return map[string]any{
			"conditionId":      a.ConditionID,
			"oracle":           a.Oracle,
			"questionId":       a.QuestionID,
			"payoutNumerators": a.PayoutNumerators,
		}
	case types.TransferSingleArgs:
		return map[string]any{
			"operator": a.Operator,
			"from":     a.From,
			"to":       a.To,
			"id":       a.ID,
			"value":    a.Value.String(),
		}
	case types.OrderFilledArgs:
		return map[string]any{
			"maker":       a.Maker,
			"taker":       a.Taker,
			"tokenId":     a.TokenID,
			"makerAmount": a.MakerAmount.String(),
			"takerAmount": a.TakerAmount.String(),
			"side":        a.Side,
		}
	}
	return map[string]any{}
}
