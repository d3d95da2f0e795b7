package priceestimator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
	"github.com/cowdex/autopilot/pkg/util"
)

type cacheEntry struct {
	price    domain.NativePrice
	fetchedAt time.Time
}

// Cache fronts an Estimator with a process-wide map, a max-age, and a
// timer-driven refresh loop that re-fetches every currently tracked
// token with bounded concurrency, per §4.3's cache description.
type Cache struct {
	source   Estimator
	maxAge   time.Duration
	clock    util.Clock
	maxConcurrentRefresh int

	mu      sync.RWMutex
	entries map[common.Address]cacheEntry
}

func NewCache(source Estimator, maxAge time.Duration, maxConcurrentRefresh int, clock util.Clock) *Cache {
	return &Cache{
		source:               source,
		maxAge:                maxAge,
		clock:                 clock,
		maxConcurrentRefresh:  maxConcurrentRefresh,
		entries:               make(map[common.Address]cacheEntry),
	}
}

// Price returns a cached value if fresh, otherwise fetches and caches.
func (c *Cache) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()
	if ok && c.clock.Now().Sub(entry.fetchedAt) < c.maxAge {
		return entry.price, nil
	}

	price, err := c.source.Price(ctx, token)
	if err != nil {
		return domain.NativePrice{}, err
	}
	c.mu.Lock()
	c.entries[token] = cacheEntry{price: price, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
	return price, nil
}

// RefreshAll re-fetches every currently tracked token with at most
// maxConcurrentRefresh fetches in flight, the periodic job driven by
// the configured refresh_secs timer.
func (c *Cache) RefreshAll(ctx context.Context) error {
	c.mu.RLock()
	tokens := make([]common.Address, 0, len(c.entries))
	for t := range c.entries {
		tokens = append(tokens, t)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	if c.maxConcurrentRefresh > 0 {
		g.SetLimit(c.maxConcurrentRefresh)
	}
	for _, token := range tokens {
		token := token
		g.Go(func() error {
			price, err := c.source.Price(gctx, token)
			if err != nil {
				// A single failed refresh leaves the stale entry in
				// place until max-age evicts it on the next Price call;
				// it never aborts the sweep.
				return nil
			}
			c.mu.Lock()
			c.entries[token] = cacheEntry{price: price, fetchedAt: c.clock.Now()}
			c.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errkind.NewTransient("refresh all native prices: %w", err)
	}
	return nil
}

// RunRefreshLoop blocks, refreshing every `interval` until ctx is done.
func (c *Cache) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			_ = c.RefreshAll(ctx)
		}
	}
}

// Track seeds the cache with a token so the refresh loop picks it up
// even before its first Price call, e.g. when the auction builder
// discovers a new token this round.
func (c *Cache) Track(token common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[token]; !ok {
		c.entries[token] = cacheEntry{}
	}
}
