package rules

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"claimsportal/pkg/domain"
)

const snapshotKey = "rules"

// CachedSource serves a rule snapshot for up to ttl before reloading it.
// Load errors are not cached.
type CachedSource struct {
	next  Editor
	cache *ttlcache.Cache[string, []domain.Rule]
}

func NewCachedSource(next Editor, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next: next,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []domain.Rule](ttl),
			ttlcache.WithDisableTouchOnHit[string, []domain.Rule](),
		),
	}
}

func (c *CachedSource) Rules(ctx context.Context) ([]domain.Rule, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[string, []domain.Rule](
		func(cache *ttlcache.Cache[string, []domain.Rule], key string) *ttlcache.Item[string, []domain.Rule] {
			rules, err := c.next.Rules(ctx)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, rules, ttlcache.DefaultTTL)
		},
	)
	item := c.cache.Get(snapshotKey, ttlcache.WithLoader[string, []domain.Rule](loader))
	if item == nil {
		return nil, loadErr
	}
	return item.Value(), nil
}

func (c *CachedSource) Save(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	defer c.Invalidate()
	return c.next.Save(ctx, r)
}

func (c *CachedSource) Delete(ctx context.Context, id string) error {
	defer c.Invalidate()
	return c.next.Delete(ctx, id)
}

// Invalidate drops the snapshot so the next read reloads.
func (c *CachedSource) Invalidate() { c.cache.DeleteAll() }
