package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"coach_msg/server/chat/domain"
	commonlog "coach_msg/server/common/log"
)

type RecordProcessor interface {
	Process(ctx context.Context, m domain.Message) error
}

// DeadLetterSink receives records that could not be applied.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) error
}

type ConsumerConfig struct {
	BatchSize    int
	BatchWait    time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 50 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// ConsumerHandler applies log records in batches. The batch offset is
// committed only after every record in it was applied or dead-lettered; a
// revoked session returns without committing so the next owner replays it.
type ConsumerHandler struct {
	proc RecordProcessor
	dlq  DeadLetterSink
	cfg  ConsumerConfig
}

func NewConsumerHandler(proc RecordProcessor, dlq DeadLetterSink, cfg ConsumerConfig) *ConsumerHandler {
	return &ConsumerHandler{proc: proc, dlq: dlq, cfg: cfg.withDefaults()}
}

func (h *ConsumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	commonlog.Infof("event=chat_consumer action=setup status=ok member_id=%s generation=%d", sess.MemberID(), sess.GenerationID())
	return nil
}

func (h *ConsumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	commonlog.Infof("event=chat_consumer action=cleanup status=ok member_id=%s generation=%d", sess.MemberID(), sess.GenerationID())
	return nil
}

func (h *ConsumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	batch := make([]*sarama.ConsumerMessage, 0, h.cfg.BatchSize)
	timer := time.NewTimer(h.cfg.BatchWait)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		for _, msg := range batch {
			if err := h.apply(ctx, msg); err != nil {
				return err
			}
		}
		sess.MarkMessage(batch[len(batch)-1], "")
		sess.Commit()
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			batch = append(batch, msg)
			if len(batch) < h.cfg.BatchSize {
				continue
			}
			if err := flush(); err != nil {
				return h.abort(claim, err)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return h.abort(claim, err)
			}
			timer.Reset(h.cfg.BatchWait)
		}
	}
}

func (h *ConsumerHandler) abort(claim sarama.ConsumerGroupClaim, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	commonlog.Errorf("event=chat_consumer action=flush status=failed topic=%s partition=%d error=%v", claim.Topic(), claim.Partition(), err)
	return err
}

// apply returns an error only when the record was neither applied nor
// dead-lettered, which stops the batch before its offset is committed.
func (h *ConsumerHandler) apply(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var m domain.Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.deadLetter(ctx, msg, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
	}
	if m.ID == "" || m.TenantID == "" {
		return h.deadLetter(ctx, msg, fmt.Errorf("%w: record without id or tenant", domain.ErrInvalidMessage))
	}

	var err error
	backoff := h.cfg.RetryBackoff
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		if err = h.proc.Process(ctx, m); err == nil {
			return nil
		}
		commonlog.Warnf("event=chat_consumer action=apply status=failed topic=%s partition=%d offset=%d tenant_id=%s message_id=%s attempt=%d error=%v", msg.Topic, msg.Partition, msg.Offset, m.TenantID, m.ID, attempt, err)
		if attempt == h.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return h.deadLetter(ctx, msg, err)
}

func (h *ConsumerHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) error {
	if h.dlq == nil {
		return fmt.Errorf("no dead letter sink for %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, cause)
	}
	if err := h.dlq.DeadLetter(ctx, msg, cause); err != nil {
		return fmt.Errorf("dead letter %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	commonlog.Errorf("event=chat_consumer action=dead_letter status=ok topic=%s partition=%d offset=%d error=%v", msg.Topic, msg.Partition, msg.Offset, cause)
	return nil
}
