package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
)

// AddPresence records connID for the user and returns the number of live
// connections across all gateways after the write.
func (s *Store) AddPresence(ctx context.Context, tenantID, userID, connID, gatewayID string) (int64, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	key := domain.PresenceKey(tenantID, userID)
	var n *redis.IntCmd
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, connID, gatewayID)
		p.PExpire(ctx, key, s.presenceTTL)
		n = p.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (s *Store) RefreshPresence(ctx context.Context, tenantID, userID string) error {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return rdb.PExpire(ctx, domain.PresenceKey(tenantID, userID), s.presenceTTL).Err()
}

// RemovePresence drops connID and returns the remaining connection count.
func (s *Store) RemovePresence(ctx context.Context, tenantID, userID, connID string) (int64, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	key := domain.PresenceKey(tenantID, userID)
	var n *redis.IntCmd
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, key, connID)
		n = p.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (s *Store) PresenceCount(ctx context.Context, tenantID, userID string) (int64, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return rdb.HLen(ctx, domain.PresenceKey(tenantID, userID)).Result()
}
