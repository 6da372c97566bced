package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	"coach_msg/server/chat/store"
	"coach_msg/server/common/auth"
	"coach_msg/server/common/infra/cache"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

type staticRouter struct {
	rdb *redis.Client
}

func (r staticRouter) ClientForTenant(context.Context, string) (*redis.Client, error) {
	return r.rdb, nil
}

type fakeTenants struct{}

func (fakeTenants) Tenant(_ context.Context, id string) (tenantdomain.Tenant, error) {
	if id != "t1" {
		return tenantdomain.Tenant{}, tenantdomain.ErrNotFound
	}
	return tenantdomain.Tenant{ID: id, Status: tenantdomain.StatusActive, Features: tenantdomain.DefaultFeatures()}, nil
}

type harness struct {
	url    string
	broker *broker.Broker
	auth   *auth.Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newRoutedHarness(t, cfg, staticRouter{rdb: rdb})
}

func newRoutedHarness(t *testing.T, cfg Config, router store.Router) *harness {
	t.Helper()
	st := store.New(router, time.Hour, time.Minute)
	b := broker.New(fakeTenants{}, st, broker.NewInlineAppender(broker.NewProcessor(st, nil, nil)), nil, nil, broker.Config{})
	a := auth.NewService("gateway-test-secret", 60)
	gw := New(b, a, cfg)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &harness{url: "ws" + strings.TrimPrefix(srv.URL, "http"), broker: b, auth: a}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (h *harness) login(t *testing.T, userID, role string) *client {
	t.Helper()
	c := h.dial(t)
	token, err := h.auth.GenerateToken(userID, "t1", role)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	c.send(EventAuthenticate, AuthenticatePayload{Token: token})
	var got AuthenticatedPayload
	c.expect(EventAuthenticated, &got)
	if got.UserID != userID || got.TenantID != "t1" {
		t.Fatalf("unexpected identity %+v", got)
	}
	return c
}

func (c *client) send(typ string, payload any) {
	c.t.Helper()
	body, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) expect(typ string, out any) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", typ, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	if env.Type != typ {
		c.t.Fatalf("expected %s, got %s %s", typ, env.Type, env.Payload)
	}
	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			c.t.Fatalf("decode payload: %v", err)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestMessageBeforeAuthenticationIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "hi"})
	var e ErrorPayload
	c.expect(EventError, &e)
	if e.Code != CodeNotAuthenticated {
		t.Fatalf("expected not_authenticated, got %+v", e)
	}

	token, _ := h.auth.GenerateToken("coach1", "t1", auth.UserTypeCoach)
	c.send(EventAuthenticate, AuthenticatePayload{Token: token})
	c.expect(EventAuthenticated, nil)
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.send(EventAuthenticate, AuthenticatePayload{Token: "not-a-token"})
	var e AuthErrorPayload
	c.expect(EventAuthError, &e)
	if e.Reason == "" {
		t.Fatalf("auth_error must carry a reason")
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.ws.ReadMessage(); err == nil {
		t.Fatalf("connection must be closed after auth_error")
	}
}

func TestAuthTimeoutDropsConnection(t *testing.T) {
	h := newHarness(t, Config{AuthTimeout: 100 * time.Millisecond})
	c := h.dial(t)

	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected the server to drop the connection")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("server kept the unauthenticated connection open")
	}
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	c.send(EventPing, nil)
	c.expect(EventPong, nil)
}

func TestSendErrorEchoesClientID(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)

	coach.send(EventMessage, SendPayload{ID: "c-42", RecipientID: "client1"})
	var e MessageErrorPayload
	coach.expect(EventMessageError, &e)
	if e.ID != "c-42" || e.Code != CodeInvalidMessage {
		t.Fatalf("unexpected error payload %+v", e)
	}
}

func TestOfflineMessagesDrainInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)

	ids := make([]string, 0, 3)
	for i, text := range []string{"first", "second", "third"} {
		clientID := "c" + string(rune('1'+i))
		coach.send(EventMessage, SendPayload{ID: clientID, RecipientID: "client1", Content: text})
		var ack MessageSentPayload
		coach.expect(EventMessageSent, &ack)
		if ack.ID != clientID || ack.MessageID == "" {
			t.Fatalf("unexpected ack %+v", ack)
		}
		ids = append(ids, ack.MessageID)
	}

	client := h.login(t, "client1", auth.UserTypeClient)
	for i, text := range []string{"first", "second", "third"} {
		var m domain.Message
		client.expect(EventMessage, &m)
		if m.Content != text || m.ID != ids[i] {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}

	ctx := context.Background()
	eventually(t, func() bool {
		_, total, err := h.broker.Undelivered(ctx, "t1", "client1")
		return err == nil && total == 0
	}, "queue trimmed after drain")
	eventually(t, func() bool {
		m, err := h.broker.GetMessage(ctx, "t1", ids[2], "client1", false)
		return err == nil && m.Status == domain.StatusDelivered
	}, "drained message marked delivered")
}

func TestLiveDeliveryAndReadReceipt(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)
	client := h.login(t, "client1", auth.UserTypeClient)

	coach.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "how did the session go?"})
	var ack MessageSentPayload
	coach.expect(EventMessageSent, &ack)

	var m domain.Message
	client.expect(EventMessage, &m)
	if m.ID != ack.MessageID || m.SenderID != "coach1" {
		t.Fatalf("unexpected delivery %+v", m)
	}

	client.send(EventReadReceipt, ReadReceiptPayload{MessageID: m.ID})
	var receipt domain.ReadReceipt
	coach.expect(EventReadReceipt, &receipt)
	if receipt.MessageID != m.ID || receipt.UserID != "client1" || receipt.Timestamp.IsZero() {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	stored, err := h.broker.GetMessage(context.Background(), "t1", m.ID, "coach1", true)
	if err != nil || stored.Status != domain.StatusRead || stored.ReadBy != "client1" {
		t.Fatalf("unexpected stored state %+v %v", stored, err)
	}
}

func TestTypingRelayedToRecipient(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)
	client := h.login(t, "client1", auth.UserTypeClient)

	coach.send(EventTyping, TypingPayload{RecipientID: "client1", ConversationID: "conv-1"})
	var typing TypingEventPayload
	client.expect(EventTyping, &typing)
	if typing.UserID != "coach1" || typing.ConversationID != "conv-1" {
		t.Fatalf("unexpected typing %+v", typing)
	}
}

func TestDisconnectClearsPresence(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.login(t, "client1", auth.UserTypeClient)
	ctx := context.Background()

	eventually(t, func() bool {
		n, err := h.broker.OnlineConnections(ctx, "t1", "client1")
		return err == nil && n == 1
	}, "presence registered")

	_ = client.ws.Close()
	eventually(t, func() bool {
		n, err := h.broker.OnlineConnections(ctx, "t1", "client1")
		return err == nil && n == 0
	}, "presence cleared")

	coach := h.login(t, "coach1", auth.UserTypeCoach)
	coach.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "are you there?"})
	coach.expect(EventMessageSent, nil)
	eventually(t, func() bool {
		_, total, err := h.broker.Undelivered(ctx, "t1", "client1")
		return err == nil && total == 1
	}, "message queued for offline user")
}

func TestLiveDeliveryPreservesOrder(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)
	client := h.login(t, "client1", auth.UserTypeClient)

	const n = 20
	for i := 0; i < n; i++ {
		coach.send(EventMessage, SendPayload{ID: fmt.Sprintf("c%d", i), RecipientID: "client1", Content: fmt.Sprintf("note %d", i)})
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var ack MessageSentPayload
		coach.expect(EventMessageSent, &ack)
		if ack.ID != fmt.Sprintf("c%d", i) {
			t.Fatalf("ack %d out of order: %+v", i, ack)
		}
		ids = append(ids, ack.MessageID)
	}
	for i := 0; i < n; i++ {
		var m domain.Message
		client.expect(EventMessage, &m)
		if m.ID != ids[i] || m.Content != fmt.Sprintf("note %d", i) {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
}

func TestOfflineThenReadReceiptScenario(t *testing.T) {
	h := newHarness(t, Config{})
	coach := h.login(t, "coach1", auth.UserTypeCoach)

	coach.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "check in when you can"})
	var ack MessageSentPayload
	coach.expect(EventMessageSent, &ack)

	ctx := context.Background()
	stored, err := h.broker.GetMessage(ctx, "t1", ack.MessageID, "coach1", true)
	if err != nil || stored.Status != domain.StatusSent {
		t.Fatalf("offline message must stay sent, got %+v %v", stored, err)
	}

	client := h.login(t, "client1", auth.UserTypeClient)
	var m domain.Message
	client.expect(EventMessage, &m)
	if m.ID != ack.MessageID {
		t.Fatalf("unexpected drained message %+v", m)
	}

	client.send(EventReadReceipt, ReadReceiptPayload{MessageID: m.ID})
	var receipt domain.ReadReceipt
	coach.expect(EventReadReceipt, &receipt)
	if receipt.MessageID != m.ID || receipt.UserID != "client1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	eventually(t, func() bool {
		_, total, err := h.broker.Undelivered(ctx, "t1", "client1")
		return err == nil && total == 0
	}, "queue trimmed after drain")
	stored, err = h.broker.GetMessage(ctx, "t1", m.ID, "coach1", true)
	if err != nil || stored.Status != domain.StatusRead || stored.ReadBy != "client1" {
		t.Fatalf("unexpected stored state %+v %v", stored, err)
	}
}

type movableMeta struct {
	mu   sync.Mutex
	addr string
}

func (m *movableMeta) RedisMeta(context.Context, string) (cache.RedisMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cache.RedisMeta{DedicatedAddr: m.addr}, nil
}

func (m *movableMeta) move(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = addr
}

func newDedicatedHarness(t *testing.T, addr string) (*harness, *cache.TenantRedisRouter, *movableMeta) {
	t.Helper()
	shared := miniredis.RunT(t)
	sharedClient := cache.NewClient(shared.Addr())
	meta := &movableMeta{addr: addr}
	router := cache.NewTenantRedisRouter(sharedClient, meta)
	h := newRoutedHarness(t, Config{}, router)
	t.Cleanup(func() {
		router.Close()
		_ = sharedClient.Close()
	})
	return h, router, meta
}

func TestLiveDeliverySurvivesTenantInvalidation(t *testing.T) {
	dedicated := miniredis.RunT(t)
	h, router, _ := newDedicatedHarness(t, dedicated.Addr())
	coach := h.login(t, "coach1", auth.UserTypeCoach)
	client := h.login(t, "client1", auth.UserTypeClient)

	router.InvalidateTenant("t1")

	coach.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "still here?"})
	var ack MessageSentPayload
	coach.expect(EventMessageSent, &ack)
	var m domain.Message
	client.expect(EventMessage, &m)
	if m.ID != ack.MessageID {
		t.Fatalf("unexpected delivery %+v", m)
	}
	eventually(t, func() bool {
		stored, err := h.broker.GetMessage(context.Background(), "t1", m.ID, "coach1", true)
		return err == nil && stored.Status == domain.StatusDelivered
	}, "live message marked delivered")
}

func TestMovedTenantClosesStaleConnections(t *testing.T) {
	first := miniredis.RunT(t)
	second := miniredis.RunT(t)
	h, router, meta := newDedicatedHarness(t, first.Addr())
	staleCoach := h.login(t, "coach1", auth.UserTypeCoach)
	staleClient := h.login(t, "client1", auth.UserTypeClient)

	meta.move(second.Addr())
	router.InvalidateTenant("t1")

	for _, c := range []*client{staleCoach, staleClient} {
		_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			t.Fatalf("expected the server to close the stale connection")
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatalf("stale connection stayed open after its subscription was lost")
		}
	}

	coach := h.login(t, "coach1", auth.UserTypeCoach)
	member := h.login(t, "client1", auth.UserTypeClient)
	coach.send(EventMessage, SendPayload{ID: "c1", RecipientID: "client1", Content: "welcome back"})
	var ack MessageSentPayload
	coach.expect(EventMessageSent, &ack)
	var m domain.Message
	member.expect(EventMessage, &m)
	if m.ID != ack.MessageID {
		t.Fatalf("unexpected delivery %+v", m)
	}
	if !second.Exists(domain.MessageKey("t1", m.ID)) {
		t.Fatalf("message must be written to the new placement")
	}
}
