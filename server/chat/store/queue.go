package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
)

// Enqueue appends the message to the recipient's offline queue.
func (s *Store) Enqueue(ctx context.Context, tenantID, userID string, m domain.Message) error {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := domain.UndeliveredKey(tenantID, userID)
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, body)
		p.Expire(ctx, key, s.retention)
		return nil
	})
	return err
}

// QueuedMessage is a live queue entry and its position in the raw list.
type QueuedMessage struct {
	Position int
	Message  domain.Message
}

// Pending returns the live entries of the queue in FIFO order and the raw
// queue length. Entries whose record was deleted or expired are skipped but
// keep their positions, so trimming by position clears them as well.
func (s *Store) Pending(ctx context.Context, tenantID, userID string) ([]QueuedMessage, int, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}
	raws, err := rdb.LRange(ctx, domain.UndeliveredKey(tenantID, userID), 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(raws) == 0 {
		return nil, 0, nil
	}
	positions := make([]int, 0, len(raws))
	keys := make([]string, 0, len(raws))
	for i, raw := range raws {
		var m domain.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.ID == "" {
			continue
		}
		positions = append(positions, i)
		keys = append(keys, domain.MessageKey(tenantID, m.ID))
	}
	if len(keys) == 0 {
		return nil, len(raws), nil
	}
	live, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, err
	}
	items := make([]QueuedMessage, 0, len(keys))
	for i, v := range live {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			continue
		}
		items = append(items, QueuedMessage{Position: positions[i], Message: m})
	}
	return items, len(raws), nil
}

// Trim drops the first n queued items.
func (s *Store) Trim(ctx context.Context, tenantID, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return rdb.LTrim(ctx, domain.UndeliveredKey(tenantID, userID), int64(n), -1).Err()
}
