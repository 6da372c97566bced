package mq

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Handler func(routingKey string, body []byte)

// Consume binds a private auto-delete queue to the exchange and hands each
// delivery to fn until ctx is done or the channel closes.
func Consume(ctx context.Context, conn *amqp.Connection, exchange, bindingKey string, fn Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, exchange); err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			fn(d.RoutingKey, d.Body)
		}
	}
}
