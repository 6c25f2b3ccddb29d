// Package assets caches BitMEX instrument metadata for the lifetime of one
// ingestion run.
package assets

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// Fetcher is the remote instrument lookup the cache wraps.
type Fetcher interface {
	Instrument(ctx context.Context, symbol string) (*models.AssetDetail, error)
}

// Cache memoizes instrument lookups per symbol. Each cache instance owns its
// state; concurrent requests for the same symbol coalesce into a single
// remote call. Failed lookups are not cached, so a later request retries.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	details map[string]*models.AssetDetail
}

// NewCache creates an empty cache around fetcher.
func NewCache(fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		details: make(map[string]*models.AssetDetail),
	}
}

// Get returns the instrument detail for symbol, fetching it on first use.
func (c *Cache) Get(ctx context.Context, symbol string) (*models.AssetDetail, error) {
	c.mu.RLock()
	detail, ok := c.details[symbol]
	c.mu.RUnlock()
	if ok {
		return detail, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.details[symbol]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		c.logger.Debug("fetching instrument detail", "symbol", symbol)
		fetched, err := c.fetcher.Instrument(ctx, symbol)
		if err != nil {
			return nil, errors.New(errors.TypeOf(err), "assets", "get "+symbol, err)
		}
		if err := fetched.Validate(); err != nil {
			return nil, errors.New(errors.ErrorTypeDecode, "assets", "get "+symbol, err)
		}

		c.mu.Lock()
		c.details[symbol] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AssetDetail), nil
}

// GetAll resolves details for each symbol in order, failing on the first
// lookup error.
func (c *Cache) GetAll(ctx context.Context, symbols []string) ([]*models.AssetDetail, error) {
	details := make([]*models.AssetDetail, 0, len(symbols))
	for _, symbol := range symbols {
		detail, err := c.Get(ctx, symbol)
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

// Len reports the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.details)
}
