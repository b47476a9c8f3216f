package store

import (
	"context"
	"slices"
	"time"

	"github.com/bluele/gcache"

	"busload/internal/transit"
)

type StopProvider interface {
	OrderedStops(ctx context.Context, routeID int64) ([]transit.Stop, error)
}

// StopCache keeps the ordered stops of recently used routes. Stops change
// only through route administration, so entries simply age out.
type StopCache struct {
	next  StopProvider
	cache gcache.Cache
}

func NewStopCache(next StopProvider, size int, ttl time.Duration) *StopCache {
	if size <= 0 {
		size = 256
	}
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &StopCache{next: next, cache: b.Build()}
}

func (c *StopCache) OrderedStops(ctx context.Context, routeID int64) ([]transit.Stop, error) {
	if v, err := c.cache.Get(routeID); err == nil {
		return slices.Clone(v.([]transit.Stop)), nil
	}
	stops, err := c.next.OrderedStops(ctx, routeID)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(routeID, slices.Clone(stops))
	return stops, nil
}

// Invalidate drops the cached stops of one route.
func (c *StopCache) Invalidate(routeID int64) {
	c.cache.Remove(routeID)
}
