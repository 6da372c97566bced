package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	"coach_msg/server/common/auth"
)

type fakeMessages struct {
	sent     []domain.Message
	history  broker.HistoryOptions
	items    []domain.Message
	sendErr  error
	getErr   error
	statusTo domain.Status
	deleted  string
}

func (f *fakeMessages) SendMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	if f.sendErr != nil {
		return domain.Message{}, f.sendErr
	}
	m.ID = "m1"
	m.Status = domain.StatusSent
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeMessages) GetConversationHistory(_ context.Context, _, _, _ string, opts broker.HistoryOptions) ([]domain.Message, error) {
	f.history = opts
	return f.items, nil
}

func (f *fakeMessages) GetMessage(_ context.Context, tenantID, messageID, _ string, _ bool) (domain.Message, error) {
	if f.getErr != nil {
		return domain.Message{}, f.getErr
	}
	return domain.Message{ID: messageID, TenantID: tenantID}, nil
}

func (f *fakeMessages) UpdateStatus(_ context.Context, _, messageID, _ string, _ bool, to domain.Status) (domain.Message, error) {
	f.statusTo = to
	return domain.Message{ID: messageID, Status: to}, nil
}

func (f *fakeMessages) DeleteMessage(_ context.Context, _, messageID, _ string) error {
	f.deleted = messageID
	return nil
}

func newTestRouter(t *testing.T, msgs Messages) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := auth.NewService("secret", 5)
	token, err := svc.GenerateToken("u1", "t1", auth.UserTypeClient)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	r := gin.New()
	NewHandler(msgs, nil, svc).RegisterRoutes(r)
	return r, token
}

func do(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateMessage(t *testing.T) {
	msgs := &fakeMessages{}
	r, token := newTestRouter(t, msgs)

	w := do(r, http.MethodPost, "/api/v1/messages", token, `{"recipientId":"coach-1","audioUrl":"tenants/t1/media/a.m4a","clientMsgId":"c1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	if len(msgs.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(msgs.sent))
	}
	got := msgs.sent[0]
	if got.TenantID != "t1" || got.SenderID != "u1" {
		t.Fatalf("identity not applied: %+v", got)
	}
	if got.MediaKind != domain.MediaAudio || got.MediaRef != "tenants/t1/media/a.m4a" {
		t.Fatalf("audioUrl not mapped: %+v", got)
	}
}

func TestCreateMessageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		token  bool
		status int
	}{
		{name: "unauthenticated", body: `{"recipientId":"x","content":"hi"}`, status: http.StatusUnauthorized},
		{name: "missing recipient", body: `{"content":"hi"}`, token: true, status: http.StatusBadRequest},
		{name: "invalid", err: fmt.Errorf("%w: empty", domain.ErrInvalidMessage), body: `{"recipientId":"x"}`, token: true, status: http.StatusBadRequest},
		{name: "forbidden", err: domain.ErrForbidden, body: `{"recipientId":"x","content":"hi"}`, token: true, status: http.StatusForbidden},
		{name: "unavailable", err: domain.ErrTransientBroker, body: `{"recipientId":"x","content":"hi"}`, token: true, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, token := newTestRouter(t, &fakeMessages{sendErr: tc.err})
			if !tc.token {
				token = ""
			}
			w := do(r, http.MethodPost, "/api/v1/messages", token, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	msgs := &fakeMessages{items: []domain.Message{{ID: "b", Timestamp: ts.Add(time.Second)}, {ID: "a", Timestamp: ts}}}
	r, token := newTestRouter(t, msgs)

	w := do(r, http.MethodGet, "/api/v1/messages?conversationId=coach-1&limit=2&before=1700000009000", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if msgs.history.Limit != 2 || msgs.history.Before.UnixMilli() != 1_700_000_009_000 {
		t.Fatalf("unexpected history options %+v", msgs.history)
	}
	var resp HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 2 || resp.NextBefore != "1700000000000" {
		t.Fatalf("unexpected page %+v", resp)
	}

	limits := map[string]int{
		"&limit=1000": broker.MaxHistoryLimit,
		"&limit=0":    broker.DefaultHistoryLimit,
		"&limit=-3":   broker.DefaultHistoryLimit,
		"&limit=many": broker.DefaultHistoryLimit,
		"":            broker.DefaultHistoryLimit,
	}
	for query, want := range limits {
		w = do(r, http.MethodGet, "/api/v1/messages?conversationId=coach-1"+query, token, "")
		if w.Code != http.StatusOK || msgs.history.Limit != want {
			t.Fatalf("%q: expected limit %d, got %d (status %d)", query, want, msgs.history.Limit, w.Code)
		}
	}
}

func TestListGroupTimelinePassesRole(t *testing.T) {
	msgs := &fakeMessages{}
	r, token := newTestRouter(t, msgs)

	w := do(r, http.MethodGet, "/api/v1/messages?conversationId=*", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if msgs.history.Coach {
		t.Fatalf("client token must not be treated as a coach")
	}
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	r, token := newTestRouter(t, &fakeMessages{})
	for _, path := range []string{
		"/api/v1/messages?conversationId=coach-1&before=yesterday",
		"/api/v1/messages",
	} {
		if w := do(r, http.MethodGet, path, token, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestMessageByID(t *testing.T) {
	msgs := &fakeMessages{}
	r, token := newTestRouter(t, msgs)

	if w := do(r, http.MethodGet, "/api/v1/messages/m9", token, ""); w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodPatch, "/api/v1/messages/m9", token, `{"status":"read"}`); w.Code != http.StatusOK || msgs.statusTo != domain.StatusRead {
		t.Fatalf("patch: got %d status=%s", w.Code, msgs.statusTo)
	}
	if w := do(r, http.MethodDelete, "/api/v1/messages/m9", token, ""); w.Code != http.StatusOK || msgs.deleted != "m9" {
		t.Fatalf("delete: got %d deleted=%s", w.Code, msgs.deleted)
	}

	msgs.getErr = domain.ErrNotFound
	if w := do(r, http.MethodGet, "/api/v1/messages/missing", token, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
}
