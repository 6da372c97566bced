package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const invalidateTimeout = 5 * time.Second

// RedisMeta is the routing information a tenant carries for its Redis
// placement. An empty DedicatedAddr keeps the tenant on the shared client.
type RedisMeta struct {
	DedicatedAddr string
}

type MetaProvider interface {
	RedisMeta(ctx context.Context, tenantID string) (RedisMeta, error)
}

// TenantRedisRouter hands out the Redis client that owns a tenant's
// message store and fan-out channels.
type TenantRedisRouter struct {
	shared  *redis.Client
	meta    MetaProvider
	mu      sync.RWMutex
	clients map[string]dedicatedClient
}

type dedicatedClient struct {
	addr   string
	client *redis.Client
}

func NewTenantRedisRouter(shared *redis.Client, meta MetaProvider) *TenantRedisRouter {
	return &TenantRedisRouter{
		shared:  shared,
		meta:    meta,
		clients: map[string]dedicatedClient{},
	}
}

func (r *TenantRedisRouter) Shared() *redis.Client {
	return r.shared
}

func (r *TenantRedisRouter) ClientForTenant(ctx context.Context, tenantID string) (*redis.Client, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || r.meta == nil {
		return r.shared, nil
	}
	meta, err := r.meta.RedisMeta(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(meta.DedicatedAddr)
	if addr == "" {
		r.drop(tenantID)
		return r.shared, nil
	}

	r.mu.RLock()
	if c, ok := r.clients[tenantID]; ok && c.addr == addr {
		r.mu.RUnlock()
		return c.client, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[tenantID]; ok {
		if c.addr == addr {
			return c.client, nil
		}
		_ = c.client.Close()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	r.clients[tenantID] = dedicatedClient{addr: addr, client: client}
	return client, nil
}

func (r *TenantRedisRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, c := range r.clients {
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
}

// InvalidateTenant re-resolves the tenant's placement and retires its
// dedicated client only when the address moved. Pub/sub subscriptions live
// on the client, so an unchanged placement must keep it open. When the
// provider fails the client is kept; ClientForTenant re-checks placement on
// every lookup.
func (r *TenantRedisRouter) InvalidateTenant(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || r.meta == nil {
		return
	}
	r.mu.RLock()
	_, ok := r.clients[tenantID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	meta, err := r.meta.RedisMeta(ctx, tenantID)
	if err != nil {
		return
	}
	addr := strings.TrimSpace(meta.DedicatedAddr)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[tenantID]; ok && c.addr != addr {
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
}

func (r *TenantRedisRouter) drop(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[tenantID]; ok {
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
}
