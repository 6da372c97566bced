package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/tenantHub/domain"
)

const (
	domainIndexKey = "domain_index"
	tenantIDsKey   = "tenant_ids"
	maxTxRetries   = 8
)

func tenantKey(id string) string { return "tenant:" + id }
func statsKey(id string) string  { return "tenant_stats:" + id }

// RedisRepository keeps tenant configs as JSON strings, counters in a hash
// per tenant, the domain reverse index in one hash and the id listing in a
// sorted set with equal scores (lexicographic order).
type RedisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func (r *RedisRepository) Create(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return domain.Tenant{}, err
	}
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, tenantKey(t.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAlreadyExists
		}
		if t.Domain != "" {
			if err := checkDomainFree(ctx, tx, t.Domain, t.ID); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tenantKey(t.ID), body, 0)
			p.HSet(ctx, statsKey(t.ID), "activeClients", 0, "activeCoaches", 0, "messagesSent", 0, "storageUsed", 0)
			if t.Domain != "" {
				p.HSet(ctx, domainIndexKey, t.Domain, t.ID)
			}
			p.ZAdd(ctx, tenantIDsKey, redis.Z{Score: 0, Member: t.ID})
			return nil
		})
		return err
	}
	if err := r.watch(ctx, txf, tenantKey(t.ID), domainIndexKey); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (domain.Tenant, error) {
	return getTenant(ctx, r.rdb, id)
}

func (r *RedisRepository) GetByDomain(ctx context.Context, d string) (domain.Tenant, error) {
	id, err := r.rdb.HGet(ctx, domainIndexKey, d).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	return r.Get(ctx, id)
}

// Update reads, mutates and writes the tenant under WATCH so a concurrent
// writer or domain rebinding aborts and retries the transaction.
func (r *RedisRepository) Update(ctx context.Context, id string, fn func(domain.Tenant) (domain.Tenant, error)) (domain.Tenant, error) {
	var updated domain.Tenant
	txf := func(tx *redis.Tx) error {
		current, err := getTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		if next.Domain != "" && next.Domain != current.Domain {
			if err := checkDomainFree(ctx, tx, next.Domain, id); err != nil {
				return err
			}
		}
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tenantKey(id), body, 0)
			if current.Domain != next.Domain {
				if current.Domain != "" {
					p.HDel(ctx, domainIndexKey, current.Domain)
				}
				if next.Domain != "" {
					p.HSet(ctx, domainIndexKey, next.Domain, id)
				}
			}
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}
	if err := r.watch(ctx, txf, tenantKey(id), domainIndexKey); err != nil {
		return domain.Tenant{}, err
	}
	return updated, nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	txf := func(tx *redis.Tx) error {
		current, err := getTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		owner := ""
		if current.Domain != "" {
			owner, err = tx.HGet(ctx, domainIndexKey, current.Domain).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, tenantKey(id), statsKey(id))
			if owner == id {
				p.HDel(ctx, domainIndexKey, current.Domain)
			}
			p.ZRem(ctx, tenantIDsKey, id)
			return nil
		})
		return err
	}
	return r.watch(ctx, txf, tenantKey(id), domainIndexKey)
}

const listChunk = 200

func (r *RedisRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	items := make([]domain.Tenant, 0, filter.Limit)
	skipped := 0
	for start := int64(0); ; start += listChunk {
		ids, err := r.rdb.ZRange(ctx, tenantIDsKey, start, start+listChunk-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return items, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = tenantKey(id)
		}
		raws, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			var t domain.Tenant
			if err := json.Unmarshal([]byte(s), &t); err != nil {
				return nil, err
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			items = append(items, t)
			if len(items) >= filter.Limit {
				return items, nil
			}
		}
		if len(ids) < listChunk {
			return items, nil
		}
	}
}

func (r *RedisRepository) UpdateStats(ctx context.Context, id string, delta domain.StatsDelta, at time.Time) (domain.Stats, error) {
	n, err := r.rdb.Exists(ctx, tenantKey(id)).Result()
	if err != nil {
		return domain.Stats{}, err
	}
	if n == 0 {
		return domain.Stats{}, domain.ErrNotFound
	}
	key := statsKey(id)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if delta.Overwrite {
			p.HSet(ctx, key,
				"activeClients", delta.ActiveClients,
				"activeCoaches", delta.ActiveCoaches,
				"messagesSent", delta.MessagesSent,
				"storageUsed", delta.StorageUsed,
			)
		} else {
			incr := map[string]int64{
				"activeClients": delta.ActiveClients,
				"activeCoaches": delta.ActiveCoaches,
				"messagesSent":  delta.MessagesSent,
				"storageUsed":   delta.StorageUsed,
			}
			for field, v := range incr {
				if v != 0 {
					p.HIncrBy(ctx, key, field, v)
				}
			}
		}
		p.HSet(ctx, key, "lastActivity", at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return domain.Stats{}, err
	}
	return r.GetStats(ctx, id)
}

func (r *RedisRepository) GetStats(ctx context.Context, id string) (domain.Stats, error) {
	fields, err := r.rdb.HGetAll(ctx, statsKey(id)).Result()
	if err != nil {
		return domain.Stats{}, err
	}
	if len(fields) == 0 {
		return domain.Stats{}, domain.ErrNotFound
	}
	var s domain.Stats
	s.ActiveClients = parseCounter(fields["activeClients"])
	s.ActiveCoaches = parseCounter(fields["activeCoaches"])
	s.MessagesSent = parseCounter(fields["messagesSent"])
	s.StorageUsed = parseCounter(fields["storageUsed"])
	if v := fields["lastActivity"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.LastActivity = ts
		}
	}
	return s, nil
}

func (r *RedisRepository) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("tenant transaction: %w", redis.TxFailedErr)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getTenant(ctx context.Context, c stringGetter, id string) (domain.Tenant, error) {
	raw, err := c.Get(ctx, tenantKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	var t domain.Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.Tenant{}, fmt.Errorf("decode tenant %s: %w", id, err)
	}
	return t, nil
}

func checkDomainFree(ctx context.Context, c hashGetter, d, id string) error {
	owner, err := c.HGet(ctx, domainIndexKey, d).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != id {
		return domain.ErrDuplicateDomain
	}
	return nil
}

func parseCounter(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
