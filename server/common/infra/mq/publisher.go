package mq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

func (p *Publisher) Publish(ctx context.Context, tenantID, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(tenantID, key), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}

func RoutingKey(tenantID, key string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return key
	}
	return tenantID + "." + key
}

// SplitRoutingKey is the inverse of RoutingKey for keys that carry a tenant.
func SplitRoutingKey(routingKey string) (tenantID, key string) {
	idx := strings.Index(routingKey, ".")
	if idx <= 0 {
		return "", routingKey
	}
	return routingKey[:idx], routingKey[idx+1:]
}
