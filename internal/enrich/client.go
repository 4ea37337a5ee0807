// Package enrich fills in off-chain market metadata from the Polymarket
// catalog API. The chain only carries condition ids and payout vectors;
// questions, categories, end dates and liquidity live in the catalog.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-indexer/pkg/types"
)

// Client is the catalog REST client, a resty client with retry and pacing.
type Client struct {
	http   *resty.Client
	bucket *TokenBucket
	logger *slog.Logger
}

// NewClient creates a catalog client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		bucket: NewTokenBucket(10, 5),
		logger: logger,
	}
}

// Markets fetches one page of market descriptors. An empty slice signals
// the end of the catalog.
func (c *Client) Markets(ctx context.Context, limit, offset int) ([]types.CatalogMarket, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.CatalogMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  fmt.Sprintf("%d", limit),
			"offset": fmt.Sprintf("%d", offset),
		}).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}
