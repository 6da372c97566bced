package broker

import (
	"context"
	"errors"
	"time"

	"github.com/Shopify/sarama"

	commonlog "coach_msg/server/common/log"
)

// Worker runs one consumer group until ctx is cancelled, rejoining after
// every rebalance.
type Worker struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler sarama.ConsumerGroupHandler
}

func NewWorker(group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler) *Worker {
	return &Worker{group: group, topics: topics, handler: handler}
}

func (w *Worker) Run(ctx context.Context) error {
	go func() {
		for err := range w.group.Errors() {
			commonlog.Errorf("event=chat_consumer action=group status=failed topics=%v error=%v", w.topics, err)
		}
	}()

	for {
		err := w.group.Consume(ctx, w.topics, w.handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			commonlog.Errorf("event=chat_consumer action=consume status=failed topics=%v error=%v", w.topics, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *Worker) Close() error {
	return w.group.Close()
}
