package tenanthub

import (
	"context"
	"strings"
	"sync"
	"time"

	"coach_msg/server/common/infra/cache"
	"coach_msg/server/tenantHub/domain"
)

const DefaultCacheTTL = 30 * time.Second

type Lookup interface {
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
}

// Cache memoizes tenant lookups for ttl. Misses and errors are not cached.
type Cache struct {
	source Lookup
	ttl    time.Duration
	mu     sync.RWMutex
	items  map[string]cachedTenant
	now    func() time.Time
}

type cachedTenant struct {
	tenant    domain.Tenant
	fetchedAt time.Time
}

func NewCache(source Lookup, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{source: source, ttl: ttl, items: map[string]cachedTenant{}, now: time.Now}
}

func (c *Cache) Tenant(ctx context.Context, id string) (domain.Tenant, error) {
	id = strings.TrimSpace(id)
	now := c.now()
	c.mu.RLock()
	if cached, ok := c.items[id]; ok && now.Sub(cached.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return cached.tenant, nil
	}
	c.mu.RUnlock()

	t, err := c.source.GetTenant(ctx, id)
	if err != nil {
		return domain.Tenant{}, err
	}
	c.mu.Lock()
	c.items[id] = cachedTenant{tenant: t, fetchedAt: now}
	c.mu.Unlock()
	return t, nil
}

// RedisMeta lets the cache drive cache.TenantRedisRouter placement.
func (c *Cache) RedisMeta(ctx context.Context, tenantID string) (cache.RedisMeta, error) {
	t, err := c.Tenant(ctx, tenantID)
	if err != nil {
		return cache.RedisMeta{}, err
	}
	return cache.RedisMeta{DedicatedAddr: t.DedicatedRedisAddr}, nil
}

func (c *Cache) InvalidateTenant(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}
	c.mu.Lock()
	delete(c.items, tenantID)
	c.mu.Unlock()
}
