package broker

import (
	"context"
	"strconv"

	"github.com/Shopify/sarama"
)

// KafkaDeadLetter forwards failed records to "<topic>.dlq" with the original
// key and value and the failure recorded in headers.
type KafkaDeadLetter struct {
	producer sarama.SyncProducer
}

func NewKafkaDeadLetter(producer sarama.SyncProducer) *KafkaDeadLetter {
	return &KafkaDeadLetter{producer: producer}
}

func (d *KafkaDeadLetter) DeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+4)
	for _, h := range msg.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	headers = append(headers,
		sarama.RecordHeader{Key: []byte("dlq_source_topic"), Value: []byte(msg.Topic)},
		sarama.RecordHeader{Key: []byte("dlq_source_partition"), Value: []byte(strconv.FormatInt(int64(msg.Partition), 10))},
		sarama.RecordHeader{Key: []byte("dlq_source_offset"), Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		sarama.RecordHeader{Key: []byte("dlq_error"), Value: []byte(cause.Error())},
	)
	_, _, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   DeadLetterTopic(msg.Topic),
		Key:     sarama.ByteEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})
	return err
}
