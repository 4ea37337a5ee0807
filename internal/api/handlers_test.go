package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-indexer/internal/store"
	"polymarket-indexer/pkg/types"
)

type fakeQueries struct {
	stats      *store.IndexerStats
	markets    []store.MarketSummary
	conditions map[string]*types.Condition
	metrics    map[string]*types.MarketMetrics
	trades     map[string][]types.Trade
	userStats  map[string]*types.UserStats
	pnl        []store.PositionPnL
	tradeLimit int
	pnlFilter  string
	failStats  bool
}

func (f *fakeQueries) GetIndexerStats(context.Context) (*store.IndexerStats, error) {
	if f.failStats {
		return nil, fmt.Errorf("db down")
	}
	return f.stats, nil
}

func (f *fakeQueries) GetActiveMarkets(_ context.Context, limit int) ([]store.MarketSummary, error) {
	if limit < len(f.markets) {
		return f.markets[:limit], nil
	}
	return f.markets, nil
}

func (f *fakeQueries) GetCondition(_ context.Context, id string) (*types.Condition, error) {
	return f.conditions[id], nil
}

func (f *fakeQueries) GetMarketMetrics(_ context.Context, id string) (*types.MarketMetrics, error) {
	return f.metrics[id], nil
}

func (f *fakeQueries) GetMarketTrades(_ context.Context, conditionID string, limit int) ([]types.Trade, error) {
	f.tradeLimit = limit
	return f.trades[conditionID], nil
}

func (f *fakeQueries) GetTopPositions(context.Context, string, int) ([]types.UserMarketPosition, error) {
	return nil, nil
}

func (f *fakeQueries) CalculateUserPnL(_ context.Context, _ string, conditionID string) ([]store.PositionPnL, error) {
	f.pnlFilter = conditionID
	var out []store.PositionPnL
	for _, p := range f.pnl {
		if conditionID == "" || p.Position.ConditionID == conditionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeQueries) GetUserAggregateStats(_ context.Context, user string) (*types.UserStats, error) {
	return f.userStats[user], nil
}

func testServer(t *testing.T, q Queries) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(0, q, logger).server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	srv := testServer(t, &fakeQueries{})

	resp := get(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	fq := &fakeQueries{stats: &store.IndexerStats{
		TotalConditions: 12,
		TotalTrades:     340,
		Indexers: []types.IndexerState{
			{Name: types.IndexerCTFExchange, LastProcessedBlock: 51000000, Status: types.StatusIdle},
		},
	}}
	srv := testServer(t, fq)

	resp := get(t, srv, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats store.IndexerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalTrades != 340 || len(stats.Indexers) != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleStatsFailure(t *testing.T) {
	t.Parallel()
	srv := testServer(t, &fakeQueries{failStats: true})

	resp := get(t, srv, "/api/stats")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHandleMarket(t *testing.T) {
	t.Parallel()
	q := "Will it rain?"
	fq := &fakeQueries{
		conditions: map[string]*types.Condition{
			"0xc1": {ConditionID: "0xc1", Question: &q, OutcomeSlotCount: 2},
		},
		metrics: map[string]*types.MarketMetrics{
			"0xc1": {ConditionID: "0xc1", YesPrice: decimal.NewFromFloat(0.42)},
		},
	}
	srv := testServer(t, fq)

	resp := get(t, srv, "/api/markets/0xc1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Condition *types.Condition     `json:"condition"`
		Metrics   *types.MarketMetrics `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Condition == nil || body.Condition.OutcomeSlotCount != 2 {
		t.Errorf("condition = %+v", body.Condition)
	}
	if body.Metrics == nil || !body.Metrics.YesPrice.Equal(decimal.NewFromFloat(0.42)) {
		t.Errorf("metrics = %+v", body.Metrics)
	}

	if resp := get(t, srv, "/api/markets/0xmissing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing market status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleMarketTradesLimits(t *testing.T) {
	t.Parallel()
	fq := &fakeQueries{trades: map[string][]types.Trade{
		"0xc1": {{TxHash: "0xt1", Price: decimal.NewFromFloat(0.4)}},
	}}
	srv := testServer(t, fq)

	resp := get(t, srv, "/api/markets/0xc1/trades?limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fq.tradeLimit != 10 {
		t.Errorf("limit = %d, want 10", fq.tradeLimit)
	}

	get(t, srv, "/api/markets/0xc1/trades?limit=99999")
	if fq.tradeLimit != maxLimit {
		t.Errorf("limit = %d, want capped at %d", fq.tradeLimit, maxLimit)
	}

	get(t, srv, "/api/markets/0xc1/trades?limit=bogus")
	if fq.tradeLimit != defaultLimit {
		t.Errorf("limit = %d, want default %d", fq.tradeLimit, defaultLimit)
	}
}

func TestHandleUserPnLConditionFilter(t *testing.T) {
	t.Parallel()
	fq := &fakeQueries{pnl: []store.PositionPnL{
		{Position: types.UserMarketPosition{ConditionID: "0xc1"}, TotalPnL: decimal.NewFromInt(5)},
		{Position: types.UserMarketPosition{ConditionID: "0xc2"}, TotalPnL: decimal.NewFromInt(7)},
	}}
	srv := testServer(t, fq)

	resp := get(t, srv, "/api/users/0xalice/pnl")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var all []store.PositionPnL
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 || fq.pnlFilter != "" {
		t.Errorf("unfiltered pnl = %d positions, filter %q; want 2 and empty", len(all), fq.pnlFilter)
	}

	resp = get(t, srv, "/api/users/0xalice/pnl?condition_id=0xc2")
	var one []store.PositionPnL
	if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if fq.pnlFilter != "0xc2" {
		t.Errorf("filter = %q, want 0xc2", fq.pnlFilter)
	}
	if len(one) != 1 || one[0].Position.ConditionID != "0xc2" {
		t.Errorf("filtered pnl = %+v, want the 0xc2 position only", one)
	}
}

func TestHandleUserStatsNotFound(t *testing.T) {
	t.Parallel()
	srv := testServer(t, &fakeQueries{userStats: map[string]*types.UserStats{}})

	resp := get(t, srv, "/api/users/0xnobody/stats")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
