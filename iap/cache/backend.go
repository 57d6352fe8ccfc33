package cache

import (
	"context"
	"slices"
	"time"

	"github.com/ReneKroon/ttlcache"
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
)

// Backend caches catalog lookups in front of another iap.Backend. Everything
// else passes straight through.
type Backend struct {
	iap.Backend

	cache *ttlcache.Cache
}

// NewCache returns a product cache that backends wrapped with NewInCache can
// share. It runs an expiry goroutine until Close.
func NewCache(ttl time.Duration) *ttlcache.Cache {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	cache.SkipTtlExtensionOnHit(true)
	return cache
}

func NewInCache(backend iap.Backend, cache *ttlcache.Cache) iap.Backend {
	return &Backend{
		Backend: backend,
		cache:   cache,
	}
}

// Factory wraps every backend built by factory in one shared product cache. A
// non-positive ttl disables caching.
func Factory(factory iap.BackendFactory, ttl time.Duration) iap.BackendFactory {
	if ttl <= 0 {
		return factory
	}

	cache := NewCache(ttl)
	return func(log *zap.Logger) iap.Backend {
		return NewInCache(factory(log), cache)
	}
}

// GetProductDetails serves cached products and queries the wrapped backend for
// the rest. Products come back in request order. Nothing is served while
// disconnected.
func (b *Backend) GetProductDetails(ctx context.Context, ids []string) []*iap.Product {
	if b.State() != iap.StateConnected {
		return nil
	}

	market := b.Market()

	var requested, missing []string
	found := map[string]*iap.Product{}
	for _, id := range ids {
		if id == "" || slices.Contains(requested, id) {
			continue
		}
		requested = append(requested, id)

		cached, ok := b.cache.Get(toCacheKey(market, id))
		if !ok {
			missing = append(missing, id)
			continue
		}
		found[id] = cached.(*iap.Product).Clone()
	}

	if len(missing) > 0 {
		for _, product := range b.Backend.GetProductDetails(ctx, missing) {
			b.cache.Set(toCacheKey(market, product.ProductID), product.Clone())
			found[product.ProductID] = product
		}
	}

	var products []*iap.Product
	for _, id := range requested {
		if product, ok := found[id]; ok {
			products = append(products, product)
		}
	}
	return products
}

// Invalidate drops the cached product id.
func (b *Backend) Invalidate(id string) {
	b.cache.Remove(toCacheKey(b.Market(), id))
}

func toCacheKey(market iap.Market, id string) string {
	return market.String() + ":" + id
}
