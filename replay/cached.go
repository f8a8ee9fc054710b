package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

var _ Store = (*CachedStore)(nil)

// CachedStore remembers reservations it has seen in a local cache, so that
// replays of a recently used jti are rejected without a round trip to the
// backing store. Only the backing store ever grants a reservation.
type CachedStore struct {
	store Store
	cache *ristretto.Cache
}

// NewCachedStore wraps store with a cache holding up to maxEntries IDs.
func NewCachedStore(store Store, maxEntries int64) (*CachedStore, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Cost: func(value any) int64 {
			return 1
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating replay cache: %w", err)
	}
	return &CachedStore{store: store, cache: c}, nil
}

func (c *CachedStore) TryReserve(ctx context.Context, jti string, ttl time.Duration) error {
	if err := checkArgs(jti, ttl); err != nil {
		return err
	}
	if _, ok := c.cache.Get(jti); ok {
		return ErrAlreadyPresent
	}

	err := c.store.TryReserve(ctx, jti, ttl)
	if err == nil || errors.Is(err, ErrAlreadyPresent) {
		c.cache.SetWithTTL(jti, struct{}{}, 1, ttl)
	}
	return err
}

// Purge purges the backing store, if it supports it. Cached entries expire on
// their own.
func (c *CachedStore) Purge(ctx context.Context) (int64, error) {
	if p, ok := c.store.(Purger); ok {
		return p.Purge(ctx)
	}
	return 0, nil
}

// Close releases the cache.
func (c *CachedStore) Close() {
	c.cache.Close()
}
