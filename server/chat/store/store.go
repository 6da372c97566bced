// Package store keeps message records, conversation timelines, offline
// queues and presence in the tenant's Redis, and carries fan-out events
// over Redis pub/sub. Every key is namespaced by tenant.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
)

const (
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultPresenceTTL = 90 * time.Second
	maxTxRetries       = 8
)

type Router interface {
	ClientForTenant(ctx context.Context, tenantID string) (*redis.Client, error)
}

type Store struct {
	router      Router
	retention   time.Duration
	presenceTTL time.Duration
}

func New(router Router, retention, presenceTTL time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	return &Store{router: router, retention: retention, presenceTTL: presenceTTL}
}

func (s *Store) Retention() time.Duration { return s.retention }

// PutMessage writes the record once. created is false when the id already
// exists, which makes redelivered log records a no-op.
func (s *Store) PutMessage(ctx context.Context, m domain.Message) (bool, error) {
	rdb, err := s.router.ClientForTenant(ctx, m.TenantID)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, domain.MessageKey(m.TenantID, m.ID), body, s.retention).Result()
}

func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (domain.Message, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return domain.Message{}, err
	}
	return getMessage(ctx, rdb, tenantID, messageID)
}

// IndexTimeline adds the message to its conversation, or to the group
// timeline for group recipients. Re-adding the same id only rewrites the
// same score.
func (s *Store) IndexTimeline(ctx context.Context, m domain.Message) error {
	rdb, err := s.router.ClientForTenant(ctx, m.TenantID)
	if err != nil {
		return err
	}
	key := domain.TimelineKey(m.TenantID, m.SenderID, m.RecipientID)
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: m.ID})
		p.Expire(ctx, key, s.retention)
		return nil
	})
	return err
}

// History returns up to limit messages older than before (exclusive), newest
// first. A zero before means "now". When b is a group id the group timeline
// is read. Ids whose record expired are pruned from the timeline and the page
// is refilled from older entries, so a short page means the timeline is
// exhausted.
func (s *Store) History(ctx context.Context, tenantID, a, b string, limit int, before time.Time) ([]domain.Message, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	key := domain.TimelineKey(tenantID, a, b)
	max := "+inf"
	if !before.IsZero() {
		max = "(" + strconv.FormatInt(before.UnixMilli(), 10)
	}

	items := make([]domain.Message, 0, limit)
	for len(items) < limit {
		want := limit - len(items)
		page, err := rdb.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max, Count: int64(want)}).Result()
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		keys := make([]string, len(page))
		for i, z := range page {
			keys[i] = domain.MessageKey(tenantID, z.Member.(string))
		}
		raws, err := rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		var expired []any
		for i, raw := range raws {
			str, ok := raw.(string)
			if !ok {
				expired = append(expired, page[i].Member)
				continue
			}
			var m domain.Message
			if err := json.Unmarshal([]byte(str), &m); err != nil {
				return nil, fmt.Errorf("decode message %v: %w", page[i].Member, err)
			}
			items = append(items, m)
		}
		if len(expired) > 0 {
			_ = rdb.ZRem(ctx, key, expired...).Err()
		}
		if len(expired) == 0 || len(page) < want {
			break
		}
		max = "(" + strconv.FormatInt(int64(page[len(page)-1].Score), 10)
	}
	return items, nil
}

// UpdateStatus advances the status monotonically. changed is false when the
// stored status is already at or beyond to.
func (s *Store) UpdateStatus(ctx context.Context, tenantID, messageID string, to domain.Status, readBy string, at time.Time) (domain.Message, bool, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return domain.Message{}, false, err
	}
	key := domain.MessageKey(tenantID, messageID)
	var (
		result  domain.Message
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		m, err := getMessage(ctx, tx, tenantID, messageID)
		if err != nil {
			return err
		}
		if m.Status.Rank() >= to.Rank() {
			result, changed = m, false
			return nil
		}
		m.Status = to
		if to == domain.StatusRead {
			ts := at.UTC()
			m.ReadBy = readBy
			m.ReadAt = &ts
		}
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, body, ttl)
			return nil
		})
		if err == nil {
			result, changed = m, true
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err = rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, changed, err
	}
	return domain.Message{}, false, fmt.Errorf("update status %s: %w", messageID, redis.TxFailedErr)
}

// DeleteMessage removes the record and its timeline entry. Queued copies are
// skipped by Pending once the record is gone and cleared by the next Trim.
func (s *Store) DeleteMessage(ctx context.Context, m domain.Message) error {
	rdb, err := s.router.ClientForTenant(ctx, m.TenantID)
	if err != nil {
		return err
	}
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, domain.MessageKey(m.TenantID, m.ID))
		p.ZRem(ctx, domain.TimelineKey(m.TenantID, m.SenderID, m.RecipientID), m.ID)
		return nil
	})
	return err
}

// Published reports whether the message was already fanned out.
func (s *Store) Published(ctx context.Context, tenantID, messageID string) (bool, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	n, err := rdb.Exists(ctx, domain.PublishedKey(tenantID, messageID)).Result()
	return n > 0, err
}

func (s *Store) MarkPublished(ctx context.Context, tenantID, messageID string) error {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, domain.PublishedKey(tenantID, messageID), "1", s.retention).Err()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getMessage(ctx context.Context, c stringGetter, tenantID, messageID string) (domain.Message, error) {
	raw, err := c.Get(ctx, domain.MessageKey(tenantID, messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	var m domain.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.Message{}, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return m, nil
}
