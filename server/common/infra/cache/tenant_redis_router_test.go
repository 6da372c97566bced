package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type fakeMeta struct {
	mu    sync.Mutex
	addrs map[string]string
}

func (f *fakeMeta) RedisMeta(_ context.Context, tenantID string) (RedisMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addrs[tenantID]
	if !ok {
		return RedisMeta{}, errors.New("tenant not found")
	}
	return RedisMeta{DedicatedAddr: addr}, nil
}

func TestRouterRoutesDedicatedTenants(t *testing.T) {
	shared := miniredis.RunT(t)
	dedicated := miniredis.RunT(t)
	sharedClient := NewClient(shared.Addr())
	t.Cleanup(func() { _ = sharedClient.Close() })

	meta := &fakeMeta{addrs: map[string]string{"t1": "", "t2": dedicated.Addr()}}
	router := NewTenantRedisRouter(sharedClient, meta)
	t.Cleanup(router.Close)
	ctx := context.Background()

	c1, err := router.ClientForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("client for t1: %v", err)
	}
	if c1 != sharedClient {
		t.Fatalf("expected shared client for t1")
	}

	c2, err := router.ClientForTenant(ctx, "t2")
	if err != nil {
		t.Fatalf("client for t2: %v", err)
	}
	if err := c2.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatalf("set on dedicated: %v", err)
	}
	if got, _ := dedicated.Get("k"); got != "v" {
		t.Fatalf("expected write on dedicated redis, got %q", got)
	}
	if shared.Exists("k") {
		t.Fatalf("dedicated write leaked into shared redis")
	}

	again, _ := router.ClientForTenant(ctx, "t2")
	if again != c2 {
		t.Fatalf("expected cached dedicated client")
	}

	if _, err := router.ClientForTenant(ctx, "missing"); err == nil {
		t.Fatalf("expected provider error for unknown tenant")
	}
}

func TestRouterReopensAfterAddressChange(t *testing.T) {
	shared := miniredis.RunT(t)
	first := miniredis.RunT(t)
	second := miniredis.RunT(t)
	sharedClient := NewClient(shared.Addr())
	t.Cleanup(func() { _ = sharedClient.Close() })

	meta := &fakeMeta{addrs: map[string]string{"t1": first.Addr()}}
	router := NewTenantRedisRouter(sharedClient, meta)
	t.Cleanup(router.Close)
	ctx := context.Background()

	before, _ := router.ClientForTenant(ctx, "t1")
	meta.mu.Lock()
	meta.addrs["t1"] = second.Addr()
	meta.mu.Unlock()

	after, err := router.ClientForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("client after move: %v", err)
	}
	if after == before {
		t.Fatalf("expected a new client after placement change")
	}
	if err := after.Set(ctx, "moved", "1", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !second.Exists("moved") {
		t.Fatalf("expected write on new placement")
	}
}

func TestInvalidateKeepsSubscriptionsOnUnchangedPlacement(t *testing.T) {
	shared := miniredis.RunT(t)
	dedicated := miniredis.RunT(t)
	sharedClient := NewClient(shared.Addr())
	t.Cleanup(func() { _ = sharedClient.Close() })

	meta := &fakeMeta{addrs: map[string]string{"t1": dedicated.Addr()}}
	router := NewTenantRedisRouter(sharedClient, meta)
	t.Cleanup(router.Close)
	ctx := context.Background()

	client, err := router.ClientForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ps := client.Subscribe(ctx, "tenant:t1:user:u1")
	t.Cleanup(func() { _ = ps.Close() })
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch := ps.Channel()

	router.InvalidateTenant("t1")

	again, err := router.ClientForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("client after invalidate: %v", err)
	}
	if again != client {
		t.Fatalf("unchanged placement must keep the dedicated client")
	}
	if n, err := again.Publish(ctx, "tenant:t1:user:u1", "hello").Result(); err != nil || n != 1 {
		t.Fatalf("publish after invalidate: n=%d err=%v", n, err)
	}
	select {
	case msg, ok := <-ch:
		if !ok || msg.Payload != "hello" {
			t.Fatalf("subscription broken after invalidate: ok=%t msg=%v", ok, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription received nothing after invalidate")
	}
}

func TestInvalidateRetiresMovedPlacement(t *testing.T) {
	shared := miniredis.RunT(t)
	first := miniredis.RunT(t)
	second := miniredis.RunT(t)
	sharedClient := NewClient(shared.Addr())
	t.Cleanup(func() { _ = sharedClient.Close() })

	meta := &fakeMeta{addrs: map[string]string{"t1": first.Addr()}}
	router := NewTenantRedisRouter(sharedClient, meta)
	t.Cleanup(router.Close)
	ctx := context.Background()

	before, _ := router.ClientForTenant(ctx, "t1")
	meta.mu.Lock()
	meta.addrs["t1"] = second.Addr()
	meta.mu.Unlock()

	router.InvalidateTenant("t1")
	if err := before.Ping(ctx).Err(); err == nil {
		t.Fatalf("moved placement must close the old client")
	}
	after, err := router.ClientForTenant(ctx, "t1")
	if err != nil || after == before {
		t.Fatalf("expected a fresh client, err=%v", err)
	}
}
