package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-indexer/pkg/types"
)

const (
	pageSize = 100
	maxPages = 50
)

// Store is what the enricher needs from the persistence layer.
type Store interface {
	UnresolvedConditionIDs(ctx context.Context) (map[string]bool, error)
	EnrichCondition(ctx context.Context, c *types.Condition) (bool, error)
	SetTotalLiquidity(ctx context.Context, conditionID string, liquidity decimal.Decimal) error
}

// Catalog is the market-descriptor source, satisfied by Client.
type Catalog interface {
	Markets(ctx context.Context, limit, offset int) ([]types.CatalogMarket, error)
}

// Enricher walks the catalog and merges metadata into stored conditions.
type Enricher struct {
	store   Store
	catalog Catalog
	logger  *slog.Logger
}

// New builds an Enricher.
func New(store Store, catalog Catalog, logger *slog.Logger) *Enricher {
	return &Enricher{store: store, catalog: catalog, logger: logger.With("component", "enricher")}
}

// Run walks catalog pages until the catalog is exhausted, the page cap is
// hit, or the context is cancelled. Descriptors for conditions the indexer
// has never seen are skipped; only metadata fields the catalog actually
// carries are merged, so enrichment never erases earlier values.
func (e *Enricher) Run(ctx context.Context) error {
	wanted, err := e.store.UnresolvedConditionIDs(ctx)
	if err != nil {
		return err
	}
	if len(wanted) == 0 {
		e.logger.Info("no unresolved conditions to enrich")
		return nil
	}

	enriched := 0
	for page := 0; page < maxPages; page++ {
		markets, err := e.catalog.Markets(ctx, pageSize, page*pageSize)
		if err != nil {
			return err
		}
		if len(markets) == 0 {
			break
		}

		for _, m := range markets {
			if !wanted[m.ConditionID] {
				continue
			}
			if err := e.apply(ctx, m); err != nil {
				e.logger.Warn("enrichment failed",
					"condition_id", m.ConditionID, "error", err)
				continue
			}
			enriched++
		}

		if len(markets) < pageSize {
			break
		}
	}

	e.logger.Info("enrichment finished", "enriched", enriched, "unresolved", len(wanted))
	return nil
}

func (e *Enricher) apply(ctx context.Context, m types.CatalogMarket) error {
	c := &types.Condition{ConditionID: m.ConditionID}
	if m.Question != "" {
		c.Question = &m.Question
	}
	if m.Description != "" {
		c.Description = &m.Description
	}
	if m.Category != "" {
		c.Category = &m.Category
	}
	if m.Image != "" {
		c.ImageURL = &m.Image
	}
	if m.ResolutionSource != "" {
		c.ResolutionSource = &m.ResolutionSource
	}
	if m.EndDateISO != "" {
		if t, ok := parseEndDate(m.EndDateISO); ok {
			c.EndDate = &t
		} else {
			e.logger.Warn("unparseable end date",
				"condition_id", m.ConditionID, "end_date", m.EndDateISO)
		}
	}

	known, err := e.store.EnrichCondition(ctx, c)
	if err != nil || !known {
		return err
	}

	if m.Liquidity != "" {
		liq, err := decimal.NewFromString(m.Liquidity)
		if err == nil && liq.IsPositive() {
			return e.store.SetTotalLiquidity(ctx, m.ConditionID, liq)
		}
	}
	return nil
}

// endDateLayouts are the shapes the catalog has been seen to emit.
var endDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseEndDate(raw string) (time.Time, bool) {
	for _, layout := range endDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
