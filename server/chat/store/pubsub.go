package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
)

func (s *Store) Publish(ctx context.Context, tenantID, channel string, evt domain.Event) error {
	_, err := s.Deliver(ctx, tenantID, channel, evt)
	return err
}

// Deliver publishes evt and returns how many subscribers received it.
func (s *Store) Deliver(ctx context.Context, tenantID, channel string, evt domain.Event) (int64, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}
	return rdb.Publish(ctx, channel, body).Result()
}

// Subscribe returns once the server confirmed every channel, so events
// published after it returns are not missed.
func (s *Store) Subscribe(ctx context.Context, tenantID string, channels ...string) (*redis.PubSub, error) {
	rdb, err := s.router.ClientForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ps := rdb.Subscribe(ctx, channels...)
	for confirmed := 0; confirmed < len(channels); {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}
	return ps, nil
}
