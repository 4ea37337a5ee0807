package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-indexer/internal/config"
	"polymarket-indexer/pkg/types"
)

// ChainReader is what the pipeline needs from the chain layer.
type ChainReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, contract string, eventNames []string, fromBlock, toBlock uint64) ([]types.DecodedEvent, error)
	BlockInfo(ctx context.Context, number uint64) (*types.Block, error)
	ResetCycle()
}

// subIndexer is one independently checkpointed contract scan.
type subIndexer struct {
	name     string
	contract string
	events   []string
}

// Pipeline runs one full index cycle: each sub-indexer pulls at most one
// batch of blocks past its own checkpoint, applies the events, and then
// metrics are refreshed for every market the cycle touched.
type Pipeline struct {
	store   Store
	reader  ChainReader
	applier *Applier
	subs    []subIndexer

	startBlock uint64
	batchSize  uint64
	logger     *slog.Logger
}

// NewPipeline wires the pipeline from configuration. The two sub-indexers
// cover the ConditionalTokens and CTF Exchange contracts.
func NewPipeline(store Store, reader ChainReader, cfg *config.Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		reader:  reader,
		applier: NewApplier(store, logger),
		subs: []subIndexer{
			{
				name:     types.IndexerConditionalTokens,
				contract: cfg.Chain.ConditionalTokensAddress,
				events: []string{
					types.EventConditionPreparation,
					types.EventConditionResolution,
					types.EventTransferSingle,
				},
			},
			{
				name:     types.IndexerCTFExchange,
				contract: cfg.Chain.CTFExchangeAddress,
				events:   []string{types.EventOrderFilled},
			},
		},
		startBlock: cfg.Chain.StartBlock,
		batchSize:  cfg.Indexer.BatchSize,
		logger:     logger.With("component", "pipeline"),
	}
}

// Run executes one cycle. A sub-indexer failure is recorded in its state
// row and returned, but does not stop the other sub-indexers; their
// checkpoints are independent. Metrics are refreshed even after a partial
// failure so the successful sub-indexer's trades are reflected.
func (p *Pipeline) Run(ctx context.Context) error {
	p.reader.ResetCycle()
	started := time.Now()

	var firstErr error
	for _, sub := range p.subs {
		if err := p.runSub(ctx, sub); err != nil {
			p.logger.Error("sub-indexer failed", "indexer", sub.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := p.refreshTouchedMetrics(ctx); err != nil {
		p.logger.Error("metrics refresh failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	p.logger.Info("index cycle finished", "duration", time.Since(started))
	return firstErr
}

// runSub advances one sub-indexer by at most one batch. The checkpoint
// moves only after every event in the range has been applied, so a crash or
// error replays the whole range next cycle.
func (p *Pipeline) runSub(ctx context.Context, sub subIndexer) error {
	last, err := p.store.GetLastProcessedBlock(ctx, sub.name, p.startBlock)
	if err != nil {
		return err
	}
	current, err := p.reader.CurrentHeight(ctx)
	if err != nil {
		return p.failSub(ctx, sub.name, last, err)
	}
	if last >= current {
		p.logger.Debug("caught up", "indexer", sub.name, "block", last)
		return p.store.UpdateIndexerState(ctx, sub.name, last, types.StatusIdle, 0)
	}

	from := last + 1
	to := last + p.batchSize
	if to > current {
		to = current
	}

	p.logger.Info("indexing range",
		"indexer", sub.name, "from", from, "to", to, "head", current)

	events, err := p.reader.FilterEvents(ctx, sub.contract, sub.events, from, to)
	if err != nil {
		return p.failSub(ctx, sub.name, last, err)
	}

	for _, ev := range events {
		if err := p.applier.Apply(ctx, ev); err != nil {
			return p.failSub(ctx, sub.name, last, err)
		}
	}

	// Record the batch boundary block so checkpoints can be related back
	// to observed chain state.
	if block, err := p.reader.BlockInfo(ctx, to); err != nil {
		p.logger.Warn("failed to fetch boundary block", "block", to, "error", err)
	} else if err := p.store.UpsertBlock(ctx, block); err != nil {
		p.logger.Warn("failed to store boundary block", "block", to, "error", err)
	}

	status := types.StatusRunning
	if to == current {
		status = types.StatusIdle
	}
	if err := p.store.UpdateIndexerState(ctx, sub.name, to, status, int64(len(events))); err != nil {
		return err
	}
	p.logger.Info("batch applied",
		"indexer", sub.name, "events", len(events), "checkpoint", to)
	return nil
}

// failSub records the failure without advancing the checkpoint, then
// returns the cause.
func (p *Pipeline) failSub(ctx context.Context, name string, last uint64, cause error) error {
	if err := p.store.MarkIndexerError(ctx, name, last, cause); err != nil {
		p.logger.Error("failed to record indexer error", "indexer", name, "error", err)
	}
	return fmt.Errorf("%s: %w", name, cause)
}

// refreshTouchedMetrics recomputes metrics for every market with a trade in
// the last hour. A single market failing does not stop the rest.
func (p *Pipeline) refreshTouchedMetrics(ctx context.Context) error {
	now := time.Now().UTC()
	ids, err := p.store.TouchedConditionIDs(ctx, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		if err := p.store.RecomputeMarketMetrics(ctx, id, now); err != nil {
			p.logger.Warn("metrics recompute failed", "condition_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(ids) > 0 {
		p.logger.Info("metrics refreshed", "markets", len(ids))
	}
	return firstErr
}
