package broker

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"

	"coach_msg/server/chat/domain"
)

const TopicPrefix = "coach.messages."

// Appender puts an accepted message on the durable log.
type Appender interface {
	Append(ctx context.Context, m domain.Message) error
}

func TopicFor(t domain.MessageType) string {
	return TopicPrefix + string(t)
}

// Topics lists one log topic per message type.
func Topics() []string {
	out := make([]string, 0, len(domain.MessageTypes))
	for _, t := range domain.MessageTypes {
		out = append(out, TopicFor(t))
	}
	return out
}

func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// KafkaAppender keys every record by tenant id so a tenant's messages share
// one partition and keep their order.
type KafkaAppender struct {
	producer sarama.SyncProducer
}

func NewKafkaAppender(producer sarama.SyncProducer) *KafkaAppender {
	return &KafkaAppender{producer: producer}
}

func (a *KafkaAppender) Append(ctx context.Context, m domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, _, err = a.producer.SendMessage(&sarama.ProducerMessage{
		Topic: TopicFor(m.Type),
		Key:   sarama.StringEncoder(m.TenantID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("tenant_id"), Value: []byte(m.TenantID)},
			{Key: []byte("message_id"), Value: []byte(m.ID)},
		},
	})
	return err
}

// InlineAppender applies messages directly to the store. It is used when no
// Kafka cluster is configured.
type InlineAppender struct {
	proc *Processor
}

func NewInlineAppender(proc *Processor) *InlineAppender {
	return &InlineAppender{proc: proc}
}

func (a *InlineAppender) Append(ctx context.Context, m domain.Message) error {
	return a.proc.Process(ctx, m)
}
