// Package chain reads and decodes contract logs from a Polygon-style chain.
//
// The Reader wraps an eth JSON-RPC client behind a small backend interface
// so tests can run without a node. It exposes two operations:
//
//	CurrentHeight()  - eth_blockNumber
//	FilterEvents()   - eth_getLogs over a block range, decoded to typed events
//
// Transient RPC failures are retried with bounded exponential backoff; a
// range the node rejects (providers cap eth_getLogs response sizes) is
// split in half and retried transparently. Block timestamps are fetched
// lazily via eth_getBlockByNumber and cached for the duration of a cycle.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-indexer/pkg/types"
)

// Backend is the subset of the eth client the reader needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// Reader pulls and decodes logs for one or more contracts.
type Reader struct {
	backend    Backend
	dec        *decoder
	maxRetries int
	logger     *slog.Logger

	// tsCache maps block number -> timestamp, valid for one cycle.
	tsCache map[uint64]time.Time
}

// Dial connects to the RPC endpoint and builds a Reader. Polygon is a
// proof-of-authority-style chain whose headers carry oversized extra-data;
// ethclient tolerates that without extra middleware.
func Dial(ctx context.Context, rpcURL string, maxRetries int, logger *slog.Logger) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return New(client, maxRetries, logger)
}

// New builds a Reader on an existing backend.
func New(backend Backend, maxRetries int, logger *slog.Logger) (*Reader, error) {
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	return &Reader{
		backend:    backend,
		dec:        dec,
		maxRetries: maxRetries,
		logger:     logger.With("component", "chain"),
		tsCache:    make(map[uint64]time.Time),
	}, nil
}

// CurrentHeight returns the latest block number.
func (r *Reader) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.withRetry(ctx, "blockNumber", func() error {
		var err error
		height, err = r.backend.BlockNumber(ctx)
		return err
	})
	return height, err
}

// FilterEvents pulls logs for the named events of one contract over
// [fromBlock, toBlock], decodes them, and resolves block timestamps.
// Events are returned in (block, log index) order. Undecodable logs are
// logged and skipped; they do not fail the batch.
func (r *Reader) FilterEvents(ctx context.Context, contract string, eventNames []string, fromBlock, toBlock uint64) ([]types.DecodedEvent, error) {
	logs, err := r.filterRange(ctx, contract, eventNames, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]types.DecodedEvent, 0, len(logs))
	for _, lg := range logs {
		name, args, err := r.dec.decode(lg)
		if err != nil {
			r.logger.Warn("skipping undecodable log",
				"block", lg.BlockNumber,
				"tx", lg.TxHash.Hex(),
				"log_index", lg.Index,
				"event", name,
				"error", err,
			)
			continue
		}
		ts, err := r.blockTimestamp(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		events = append(events, types.DecodedEvent{
			BlockNumber:     lg.BlockNumber,
			BlockTimestamp:  ts,
			TxHash:          lg.TxHash.Hex(),
			LogIndex:        lg.Index,
			ContractAddress: lg.Address.Hex(),
			Name:            name,
			Args:            args,
		})
	}
	return events, nil
}

// BlockInfo fetches the header of one block as a store-ready Block row.
func (r *Reader) BlockInfo(ctx context.Context, number uint64) (*types.Block, error) {
	var header *ethtypes.Header
	err := r.withRetry(ctx, "headerByNumber", func() error {
		var err error
		header, err = r.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.Block{
		Number:     number,
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(header.Time), 0).UTC(),
		GasUsed:    header.GasUsed,
		GasLimit:   header.GasLimit,
	}, nil
}

// ResetCycle clears the per-cycle timestamp cache.
func (r *Reader) ResetCycle() {
	r.tsCache = make(map[uint64]time.Time)
}

// filterRange runs eth_getLogs, splitting the range in half when the node
// rejects it. A single-block range that still fails is a real error.
func (r *Reader) filterRange(ctx context.Context, contract string, eventNames []string, fromBlock, toBlock uint64) ([]ethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{r.dec.topics(eventNames)},
	}

	var logs []ethtypes.Log
	err := r.withRetry(ctx, "getLogs", func() error {
		var err error
		logs, err = r.backend.FilterLogs(ctx, query)
		return err
	})
	if err == nil {
		return logs, nil
	}
	if ctx.Err() != nil || fromBlock >= toBlock {
		return nil, fmt.Errorf("getLogs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	mid := fromBlock + (toBlock-fromBlock)/2
	r.logger.Debug("splitting log range", "from", fromBlock, "to", toBlock, "mid", mid)
	lower, err := r.filterRange(ctx, contract, eventNames, fromBlock, mid)
	if err != nil {
		return nil, err
	}
	upper, err := r.filterRange(ctx, contract, eventNames, mid+1, toBlock)
	if err != nil {
		return nil, err
	}
	return append(lower, upper...), nil
}

func (r *Reader) blockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := r.tsCache[number]; ok {
		return ts, nil
	}
	var header *ethtypes.Header
	err := r.withRetry(ctx, "headerByNumber", func() error {
		var err error
		header, err = r.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", number, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	r.tsCache[number] = ts
	return ts, nil
}

// withRetry runs fn up to maxRetries times with exponential backoff,
// starting at 500ms. Context cancellation aborts immediately.
func (r *Reader) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < r.maxRetries {
			r.logger.Warn("rpc call failed, retrying",
				"op", op, "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.maxRetries, err)
}
