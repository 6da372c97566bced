package mq

import amqp "github.com/rabbitmq/amqp091-go"

// EventsExchange is the topic exchange carrying integration events. Routing
// keys are "<tenant_id>.<event>" so consumers can bind per tenant or per event.
const EventsExchange = "coach.events"

const (
	EventMessageUndelivered = "message.undelivered"
	EventTenantUpdated      = "tenant.updated"
)

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// AnyTenant binds an event for every tenant.
func AnyTenant(event string) string {
	return "#." + event
}
