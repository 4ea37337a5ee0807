package indexer

import (
	"context"
	"fmt"
	"testing"

	"polymarket-indexer/internal/config"
	"polymarket-indexer/pkg/types"
)

// fakeReader serves canned events per contract and records requested
// ranges.
type fakeReader struct {
	height    uint64
	heightErr error
	events    map[string][]types.DecodedEvent
	filterErr map[string]error
	ranges    map[string][][2]uint64
	resets    int
}

func newFakeReader(height uint64) *fakeReader {
	return &fakeReader{
		height:    height,
		events:    make(map[string][]types.DecodedEvent),
		filterErr: make(map[string]error),
		ranges:    make(map[string][][2]uint64),
	}
}

func (f *fakeReader) CurrentHeight(context.Context) (uint64, error) {
	return f.height, f.heightErr
}

func (f *fakeReader) FilterEvents(_ context.Context, contract string, _ []string, from, to uint64) ([]types.DecodedEvent, error) {
	f.ranges[contract] = append(f.ranges[contract], [2]uint64{from, to})
	if err := f.filterErr[contract]; err != nil {
		return nil, err
	}
	var out []types.DecodedEvent
	for _, ev := range f.events[contract] {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeReader) BlockInfo(_ context.Context, number uint64) (*types.Block, error) {
	return &types.Block{Number: number, Hash: fmt.Sprintf("0xb%d", number)}, nil
}

func (f *fakeReader) ResetCycle() { f.resets++ }

func testConfig() *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			StartBlock:               1000,
			ConditionalTokensAddress: "0xct",
			CTFExchangeAddress:       "0xex",
		},
		Indexer: config.IndexerConfig{BatchSize: 100},
	}
}

func TestRunAdvancesCheckpointOnSuccess(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fr := newFakeReader(5000)
	fr.events["0xct"] = []types.DecodedEvent{prepEvent("0xc1", 2, 1050, "0xt1", 0)}

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Default checkpoint 1000, batch 100: the range is [1001,1100].
	if got := fr.ranges["0xct"][0]; got != [2]uint64{1001, 1100} {
		t.Errorf("range = %v, want [1001,1100]", got)
	}
	if got := fs.checkpoints[types.IndexerConditionalTokens]; got != 1100 {
		t.Errorf("checkpoint = %d, want 1100", got)
	}
	if got := fs.statuses[types.IndexerConditionalTokens]; got != types.StatusRunning {
		t.Errorf("status = %s, want RUNNING while behind head", got)
	}
	if got := fs.eventsTotal[types.IndexerConditionalTokens]; got != 1 {
		t.Errorf("events processed = %d, want 1", got)
	}
	if fr.resets != 1 {
		t.Errorf("resets = %d, want 1", fr.resets)
	}
	if _, ok := fs.conditions["0xc1"]; !ok {
		t.Error("event was not applied")
	}
	if _, ok := fs.blocks[1100]; !ok {
		t.Error("boundary block not recorded")
	}
}

func TestRunCapsBatchAtHead(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.checkpoints[types.IndexerCTFExchange] = 1980
	fr := newFakeReader(2000)

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fr.ranges["0xex"][0]; got != [2]uint64{1981, 2000} {
		t.Errorf("range = %v, want [1981,2000]", got)
	}
	if got := fs.statuses[types.IndexerCTFExchange]; got != types.StatusIdle {
		t.Errorf("status = %s, want IDLE after reaching head", got)
	}
}

func TestRunIdleWhenCaughtUp(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.checkpoints[types.IndexerConditionalTokens] = 2000
	fs.checkpoints[types.IndexerCTFExchange] = 2000
	fr := newFakeReader(2000)

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fr.ranges) != 0 {
		t.Errorf("no ranges should be fetched when caught up, got %v", fr.ranges)
	}
	if got := fs.statuses[types.IndexerConditionalTokens]; got != types.StatusIdle {
		t.Errorf("status = %s, want IDLE", got)
	}
	if got := fs.checkpoints[types.IndexerConditionalTokens]; got != 2000 {
		t.Errorf("checkpoint = %d, want unchanged 2000", got)
	}
}

func TestRunFailureKeepsCheckpointAndMarksError(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.checkpoints[types.IndexerConditionalTokens] = 1500
	fr := newFakeReader(5000)
	fr.filterErr["0xct"] = fmt.Errorf("rpc exploded")

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run should report the sub-indexer failure")
	}

	if got := fs.checkpoints[types.IndexerConditionalTokens]; got != 1500 {
		t.Errorf("checkpoint = %d, want unchanged 1500", got)
	}
	if got := fs.statuses[types.IndexerConditionalTokens]; got != types.StatusError {
		t.Errorf("status = %s, want ERROR", got)
	}
	if fs.errs[types.IndexerConditionalTokens] == "" {
		t.Error("error message not recorded")
	}
	// The other sub-indexer still ran.
	if got := fs.checkpoints[types.IndexerCTFExchange]; got != 1100 {
		t.Errorf("exchange checkpoint = %d, want 1100", got)
	}
}

func TestRunReplaySameRangeConverges(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fr := newFakeReader(5000)
	fr.events["0xct"] = []types.DecodedEvent{prepEvent("0xc1", 2, 1050, "0xt1", 0)}

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// Roll the checkpoint back and replay the same range.
	fs.checkpoints[types.IndexerConditionalTokens] = 1000
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("replay Run: %v", err)
	}

	if len(fs.conditions) != 1 {
		t.Errorf("conditions = %d, want 1 after replay", len(fs.conditions))
	}
	if len(fs.events) != 1 {
		t.Errorf("archived events = %d, want 1 after replay", len(fs.events))
	}
}

func TestRunRefreshesTouchedMetrics(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.checkpoints[types.IndexerConditionalTokens] = 2000
	fs.checkpoints[types.IndexerCTFExchange] = 2000
	fs.touched = []string{"0xc1", "0xc2"}
	fr := newFakeReader(2000)

	p := NewPipeline(fs, fr, testConfig(), testLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.recomputed) != 2 {
		t.Errorf("recomputed = %v, want both touched markets", fs.recomputed)
	}
}
