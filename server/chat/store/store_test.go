package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
)

type staticRouter struct {
	rdb *redis.Client
}

func (r staticRouter) ClientForTenant(context.Context, string) (*redis.Client, error) {
	return r.rdb, nil
}

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(staticRouter{rdb: rdb}, time.Hour, time.Minute), mr
}

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func direct(id string, at time.Time) domain.Message {
	return domain.Message{
		ID:          id,
		TenantID:    "t1",
		Type:        domain.TypeDirect,
		SenderID:    "coach1",
		RecipientID: "client1",
		Content:     "msg " + id,
		Timestamp:   at,
		Status:      domain.StatusSent,
	}
}

func TestPutMessageIsIdempotent(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	m := direct("m1", epoch)

	created, err := s.PutMessage(ctx, m)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}
	m.Content = "changed"
	created, err = s.PutMessage(ctx, m)
	if err != nil || created {
		t.Fatalf("second put must be a no-op: created=%v err=%v", created, err)
	}
	got, err := s.GetMessage(ctx, "t1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "msg m1" {
		t.Fatalf("record must not be overwritten, got %q", got.Content)
	}
	if ttl := mr.TTL(domain.MessageKey("t1", "m1")); ttl != time.Hour {
		t.Fatalf("record ttl = %v, want retention", ttl)
	}
	if _, err := s.GetMessage(ctx, "t1", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryOrderingAndCursor(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := direct(fmt.Sprintf("m%d", i), epoch.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			m.SenderID, m.RecipientID = m.RecipientID, m.SenderID
		}
		if _, err := s.PutMessage(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.IndexTimeline(ctx, m); err != nil {
			t.Fatalf("index: %v", err)
		}
		if err := s.IndexTimeline(ctx, m); err != nil {
			t.Fatalf("re-index: %v", err)
		}
	}

	items, err := s.History(ctx, "t1", "client1", "coach1", 3, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if ids := idsOf(items); fmt.Sprint(ids) != "[m4 m3 m2]" {
		t.Fatalf("unexpected first page %v", ids)
	}
	items, err = s.History(ctx, "t1", "coach1", "client1", 3, items[len(items)-1].Timestamp)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if ids := idsOf(items); fmt.Sprint(ids) != "[m1 m0]" {
		t.Fatalf("unexpected second page %v", ids)
	}

	mr.Del(domain.MessageKey("t1", "m3"))
	items, _ = s.History(ctx, "t1", "coach1", "client1", 10, time.Time{})
	if ids := idsOf(items); fmt.Sprint(ids) != "[m4 m2 m1 m0]" {
		t.Fatalf("expired records must be dropped, got %v", ids)
	}
	if members, _ := mr.ZMembers(domain.ConversationKey("t1", "coach1", "client1")); len(members) != 4 {
		t.Fatalf("expired id must be pruned from timeline, members=%v", members)
	}
}

func TestHistoryTiesOrderedByID(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		m := direct(id, epoch)
		_, _ = s.PutMessage(ctx, m)
		_ = s.IndexTimeline(ctx, m)
	}
	items, _ := s.History(ctx, "t1", "coach1", "client1", 10, time.Time{})
	if ids := idsOf(items); fmt.Sprint(ids) != "[c b a]" {
		t.Fatalf("equal timestamps must order by id, got %v", ids)
	}
}

func TestUpdateStatusMonotonic(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	_, _ = s.PutMessage(ctx, direct("m1", epoch))

	m, changed, err := s.UpdateStatus(ctx, "t1", "m1", domain.StatusRead, "client1", epoch.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("read: changed=%v err=%v", changed, err)
	}
	if m.ReadBy != "client1" || m.ReadAt == nil || !m.ReadAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("read metadata missing: %+v", m)
	}
	m, changed, err = s.UpdateStatus(ctx, "t1", "m1", domain.StatusDelivered, "", epoch)
	if err != nil || changed {
		t.Fatalf("status must not regress: changed=%v err=%v", changed, err)
	}
	if m.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read", m.Status)
	}
	if ttl := mr.TTL(domain.MessageKey("t1", "m1")); ttl <= 0 {
		t.Fatalf("status update must keep the retention ttl, got %v", ttl)
	}
	if _, _, err := s.UpdateStatus(ctx, "t1", "missing", domain.StatusRead, "x", epoch); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m := direct(fmt.Sprintf("q%d", i), epoch.Add(time.Duration(i)*time.Second))
		_, _ = s.PutMessage(ctx, m)
		if err := s.Enqueue(ctx, "t1", "client1", m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	deleted := direct("q1", epoch)
	if err := s.DeleteMessage(ctx, deleted); err != nil {
		t.Fatalf("delete: %v", err)
	}

	items, total, err := s.Pending(ctx, "t1", "client1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 live of 3 queued, got %d of %d", len(items), total)
	}
	if items[0].Message.ID != "q0" || items[1].Message.ID != "q2" || items[1].Position != 2 {
		t.Fatalf("unexpected queue order: %+v", items)
	}

	if err := s.Trim(ctx, "t1", "client1", 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	items, total, _ = s.Pending(ctx, "t1", "client1")
	if total != 1 || len(items) != 1 || items[0].Message.ID != "q2" {
		t.Fatalf("trim must drop exactly the first two entries, got %+v (%d)", items, total)
	}
	_ = s.Trim(ctx, "t1", "client1", total)
	items, total, _ = s.Pending(ctx, "t1", "client1")
	if total != 0 || len(items) != 0 {
		t.Fatalf("queue must be empty")
	}
}

func TestPresenceCounts(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	n, err := s.AddPresence(ctx, "t1", "u1", "c1", "gw-a")
	if err != nil || n != 1 {
		t.Fatalf("add: n=%d err=%v", n, err)
	}
	n, _ = s.AddPresence(ctx, "t1", "u1", "c2", "gw-b")
	if n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}
	n, _ = s.RemovePresence(ctx, "t1", "u1", "c1")
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
	if got, _ := s.PresenceCount(ctx, "t1", "u1"); got != 1 {
		t.Fatalf("count = %d", got)
	}
	mr.FastForward(2 * time.Minute)
	if got, _ := s.PresenceCount(ctx, "t1", "u1"); got != 0 {
		t.Fatalf("presence must expire without refresh, got %d", got)
	}
}

func TestPublishSubscribe(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	ch := domain.UserChannel("t1", "client1")

	ps, err := s.Subscribe(ctx, "t1", ch, domain.BroadcastChannel("t1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer ps.Close()

	m := direct("p1", epoch)
	if err := s.Publish(ctx, "t1", ch, domain.Event{Kind: domain.EventMessage, TenantID: "t1", Message: &m}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ps.Channel():
		if msg.Channel != ch {
			t.Fatalf("unexpected channel %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	n, err := s.Deliver(ctx, "t1", domain.UserChannel("t1", "nobody"), domain.Event{Kind: domain.EventMessage, TenantID: "t1", Message: &m})
	if err != nil || n != 0 {
		t.Fatalf("deliver without subscribers: n=%d err=%v", n, err)
	}
}

func idsOf(items []domain.Message) []string {
	ids := make([]string, len(items))
	for i, m := range items {
		ids[i] = m.ID
	}
	return ids
}

func TestHistoryRefillsPastExpiredEntries(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m := direct(fmt.Sprintf("m%d", i), epoch.Add(time.Duration(i)*time.Second))
		if _, err := s.PutMessage(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.IndexTimeline(ctx, m); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	mr.Del(domain.MessageKey("t1", "m4"))
	mr.Del(domain.MessageKey("t1", "m3"))

	items, err := s.History(ctx, "t1", "coach1", "client1", 3, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if ids := idsOf(items); fmt.Sprint(ids) != "[m2 m1 m0]" {
		t.Fatalf("expected a full page after pruning, got %v", ids)
	}
}

func TestGroupMessagesUseGroupTimeline(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	all := direct("b1", epoch)
	all.Type, all.RecipientID = domain.TypeBroadcast, domain.RecipientAll
	coaches := direct("n1", epoch.Add(time.Second))
	coaches.Type, coaches.RecipientID = domain.TypeNotification, domain.RecipientCoaches
	for _, m := range []domain.Message{all, coaches} {
		if _, err := s.PutMessage(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.IndexTimeline(ctx, m); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	items, err := s.History(ctx, "t1", "client1", domain.RecipientAll, 10, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if ids := idsOf(items); fmt.Sprint(ids) != "[b1]" {
		t.Fatalf("broadcast timeline = %v", ids)
	}
	items, _ = s.History(ctx, "t1", "coach2", domain.RecipientCoaches, 10, time.Time{})
	if ids := idsOf(items); fmt.Sprint(ids) != "[n1]" {
		t.Fatalf("coaches timeline = %v", ids)
	}
	if mr.Exists(domain.ConversationKey("t1", "coach1", domain.RecipientAll)) {
		t.Fatalf("group message indexed under a pair conversation")
	}

	if err := s.DeleteMessage(ctx, all); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if members, _ := mr.ZMembers(domain.GroupTimelineKey("t1", domain.RecipientAll)); len(members) != 0 {
		t.Fatalf("deleted broadcast still indexed: %v", members)
	}
}
