package repository

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"busticket-agent/internal/domain"
)

const catalogCacheKey = "route_catalog"

type catalogSource interface {
	RouteCatalog(ctx context.Context) (domain.RouteCatalog, error)
}

// CachedCatalog keeps the route catalog in memory for ttl. Errors from the
// underlying store are never cached.
type CachedCatalog struct {
	src   catalogSource
	cache *cache.Cache
}

func NewCachedCatalog(src catalogSource, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		src:   src,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedCatalog) RouteCatalog(ctx context.Context) (domain.RouteCatalog, error) {
	if x, found := c.cache.Get(catalogCacheKey); found {
		return x.(domain.RouteCatalog), nil
	}
	cat, err := c.src.RouteCatalog(ctx)
	if err != nil {
		return domain.RouteCatalog{}, err
	}
	c.cache.Set(catalogCacheKey, cat, cache.DefaultExpiration)
	return cat, nil
}

// Invalidate drops the cached catalog, e.g. after a reseed.
func (c *CachedCatalog) Invalidate() {
	c.cache.Delete(catalogCacheKey)
}
