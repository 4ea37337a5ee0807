package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"polymarket-indexer/internal/store"
	"polymarket-indexer/pkg/types"
)

// Queries is the read surface of the store the API exposes.
type Queries interface {
	GetIndexerStats(ctx context.Context) (*store.IndexerStats, error)
	GetActiveMarkets(ctx context.Context, limit int) ([]store.MarketSummary, error)
	GetCondition(ctx context.Context, conditionID string) (*types.Condition, error)
	GetMarketMetrics(ctx context.Context, conditionID string) (*types.MarketMetrics, error)
	GetMarketTrades(ctx context.Context, conditionID string, limit int) ([]types.Trade, error)
	GetTopPositions(ctx context.Context, conditionID string, limit int) ([]types.UserMarketPosition, error)
	CalculateUserPnL(ctx context.Context, user, conditionID string) ([]store.PositionPnL, error)
	GetUserAggregateStats(ctx context.Context, user string) (*types.UserStats, error)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	queries Queries
	logger  *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(queries Queries, logger *slog.Logger) *Handlers {
	return &Handlers{
		queries: queries,
		logger:  logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStats returns indexer checkpoints and table counts.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.GetIndexerStats(r.Context())
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	h.writeJSON(w, stats)
}

// HandleMarkets lists unresolved markets ordered by 24h volume.
func (h *Handlers) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.queries.GetActiveMarkets(r.Context(), limitParam(r))
	if err != nil {
		h.fail(w, "markets", err)
		return
	}
	h.writeJSON(w, markets)
}

// HandleMarket returns one market's lifecycle row plus its latest metrics
// snapshot, when one has been computed.
func (h *Handlers) HandleMarket(w http.ResponseWriter, r *http.Request) {
	conditionID := r.PathValue("conditionID")
	condition, err := h.queries.GetCondition(r.Context(), conditionID)
	if err != nil {
		h.fail(w, "market", err)
		return
	}
	if condition == nil {
		http.Error(w, "market not found", http.StatusNotFound)
		return
	}
	// Metrics may be nil for a market with no recompute yet.
	metrics, err := h.queries.GetMarketMetrics(r.Context(), conditionID)
	if err != nil {
		h.fail(w, "market metrics", err)
		return
	}
	h.writeJSON(w, map[string]any{
		"condition": condition,
		"metrics":   metrics,
	})
}

// HandleMarketTrades lists the newest trades of one market.
func (h *Handlers) HandleMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.queries.GetMarketTrades(r.Context(), r.PathValue("conditionID"), limitParam(r))
	if err != nil {
		h.fail(w, "market trades", err)
		return
	}
	h.writeJSON(w, trades)
}

// HandleTopPositions lists the largest open positions in one market.
func (h *Handlers) HandleTopPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.queries.GetTopPositions(r.Context(), r.PathValue("conditionID"), limitParam(r))
	if err != nil {
		h.fail(w, "top positions", err)
		return
	}
	h.writeJSON(w, positions)
}

// HandleUserPnL values one user's positions at current market prices,
// optionally restricted to one market via ?condition_id=.
func (h *Handlers) HandleUserPnL(w http.ResponseWriter, r *http.Request) {
	pnl, err := h.queries.CalculateUserPnL(r.Context(), r.PathValue("address"), r.URL.Query().Get("condition_id"))
	if err != nil {
		h.fail(w, "user pnl", err)
		return
	}
	h.writeJSON(w, pnl)
}

// HandleUserStats returns one user's lifetime totals.
func (h *Handlers) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.GetUserAggregateStats(r.Context(), r.PathValue("address"))
	if err != nil {
		h.fail(w, "user stats", err)
		return
	}
	if stats == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, stats)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) fail(w http.ResponseWriter, what string, err error) {
	h.logger.Error("query failed", "endpoint", what, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
