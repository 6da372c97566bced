package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"

	"coach_msg/server/chat/domain"
)

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {
}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicFor(domain.TypeDirect) }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type recordingProcessor struct {
	mu      sync.Mutex
	applied []string
	fail    map[string]int
}

func (p *recordingProcessor) Process(_ context.Context, m domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[m.ID] > 0 {
		p.fail[m.ID]--
		return errors.New("redis unavailable")
	}
	p.applied = append(p.applied, m.ID)
	return nil
}

type recordingDLQ struct {
	mu      sync.Mutex
	offsets []int64
	err     error
}

func (d *recordingDLQ) DeadLetter(_ context.Context, msg *sarama.ConsumerMessage, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.offsets = append(d.offsets, msg.Offset)
	return nil
}

func record(t *testing.T, offset int64, id string) *sarama.ConsumerMessage {
	t.Helper()
	body, err := json.Marshal(domain.Message{ID: id, TenantID: "t1", Type: domain.TypeDirect, SenderID: "a", RecipientID: "b", Content: "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: TopicFor(domain.TypeDirect), Offset: offset, Key: []byte("t1"), Value: body}
}

func runClaim(t *testing.T, h *ConsumerHandler, msgs ...*sarama.ConsumerMessage) (*fakeSession, error) {
	t.Helper()
	sess := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		claim.messages <- m
	}
	close(claim.messages)
	return sess, h.ConsumeClaim(sess, claim)
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{BatchSize: 2, BatchWait: time.Hour, MaxAttempts: 3, RetryBackoff: time.Millisecond}
}

func TestConsumeClaimCommitsPerBatch(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewConsumerHandler(proc, &recordingDLQ{}, testConsumerConfig())

	sess, err := runClaim(t, h, record(t, 10, "a"), record(t, 11, "b"), record(t, 12, "c"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(proc.applied) != 3 {
		t.Fatalf("expected 3 applied records, got %v", proc.applied)
	}
	if sess.commits != 2 || len(sess.marked) != 2 || sess.marked[0] != 11 || sess.marked[1] != 12 {
		t.Fatalf("expected one commit per batch at its last offset, got commits=%d marked=%v", sess.commits, sess.marked)
	}
}

func TestConsumeClaimRetriesThenDeadLetters(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]int{"a": 2, "b": 10}}
	dlq := &recordingDLQ{}
	h := NewConsumerHandler(proc, dlq, testConsumerConfig())

	bad := &sarama.ConsumerMessage{Topic: TopicFor(domain.TypeDirect), Offset: 7, Value: []byte("{not json")}
	sess, err := runClaim(t, h, record(t, 5, "a"), record(t, 6, "b"), bad)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(proc.applied) != 1 || proc.applied[0] != "a" {
		t.Fatalf("expected a to succeed after retries, got %v", proc.applied)
	}
	if len(dlq.offsets) != 2 || dlq.offsets[0] != 6 || dlq.offsets[1] != 7 {
		t.Fatalf("expected offsets 6 and 7 dead-lettered, got %v", dlq.offsets)
	}
	if sess.marked[len(sess.marked)-1] != 7 {
		t.Fatalf("skipped records must still advance the offset, got %v", sess.marked)
	}
}

func TestConsumeClaimDoesNotCommitWhenDeadLetterFails(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]int{"a": 10}}
	h := NewConsumerHandler(proc, &recordingDLQ{err: errors.New("dlq down")}, testConsumerConfig())

	sess, err := runClaim(t, h, record(t, 1, "a"), record(t, 2, "b"))
	if err == nil {
		t.Fatalf("expected an error when a record can be neither applied nor dead-lettered")
	}
	if sess.commits != 0 || len(sess.marked) != 0 {
		t.Fatalf("nothing may be committed, got commits=%d marked=%v", sess.commits, sess.marked)
	}
}

func TestConsumeClaimStopsOnRevokedSession(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewConsumerHandler(proc, &recordingDLQ{}, ConsumerConfig{BatchSize: 10, BatchWait: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- record(t, 1, "a")

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("revoked session must return cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume claim did not return after revocation")
	}
	if sess.commits != 0 {
		t.Fatalf("a partial batch must not be committed on revocation")
	}
}
