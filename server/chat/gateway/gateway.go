// Package gateway terminates client websockets, authenticates them, tracks
// presence, and bridges broker fan-out to live connections or the offline
// queue.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	"coach_msg/server/chat/store"
	"coach_msg/server/common/auth"
	commonlog "coach_msg/server/common/log"
)

// Backend is the broker surface the gateway relies on.
type Backend interface {
	SendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	MarkDelivered(ctx context.Context, tenantID, messageID string) error
	MarkRead(ctx context.Context, tenantID, messageID, readerID string, coach bool) (domain.Message, error)
	PublishTyping(ctx context.Context, tenantID string, t domain.Typing) error
	Subscribe(ctx context.Context, tenantID, userID string, coach bool) (*broker.Subscription, error)

	Connect(ctx context.Context, tenantID, userID, connID, gatewayID string, coach bool) error
	Heartbeat(ctx context.Context, tenantID, userID string) error
	Disconnect(ctx context.Context, tenantID, userID, connID string, coach bool) error
	OnlineConnections(ctx context.Context, tenantID, userID string) (int64, error)

	Undelivered(ctx context.Context, tenantID, userID string) ([]store.QueuedMessage, int, error)
	AckUndelivered(ctx context.Context, tenantID, userID string, n int) error
	EnqueueUndelivered(ctx context.Context, m domain.Message, userID string) error
}

type Config struct {
	GatewayID        string
	AuthTimeout      time.Duration
	SendBuffer       int
	SlowClientPolicy string
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.GatewayID == "" {
		c.GatewayID = uuid.NewString()
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.SlowClientPolicy != PolicyDisconnect {
		c.SlowClientPolicy = PolicyDropOldest
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

type Gateway struct {
	backend  Backend
	verifier auth.Verifier
	presence *Presence
	cfg      Config
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(backend Backend, verifier auth.Verifier, cfg Config) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		backend:  backend,
		verifier: verifier,
		presence: NewPresence(),
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (g *Gateway) ID() string { return g.cfg.GatewayID }

func (g *Gateway) Presence() *Presence { return g.presence }

// HandleWS upgrades the request. Authentication happens in-band with an
// authenticate event.
func (g *Gateway) HandleWS(c *gin.Context) {
	g.ServeHTTP(c.Writer, c.Request)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		commonlog.Warnf("event=chat_ws_upgrade action=upgrade status=failed remote=%s error=%v", r.RemoteAddr, err)
		return
	}
	g.serve(ws)
}

// Close drops every connection. Their read loops then unregister presence.
func (g *Gateway) Close() {
	g.cancel()
	for _, c := range g.presence.All() {
		c.shutdown()
	}
}

func (g *Gateway) serve(ws *websocket.Conn) {
	c := newConn(uuid.NewString(), ws, g.cfg)
	go c.writePump()
	defer g.disconnect(c)

	ws.SetReadLimit(g.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if _, ok := c.Identity(); !ok {
				commonlog.Infof("event=chat_ws_read action=close status=unauthenticated conn_id=%s error=%v", c.id, err)
			}
			return
		}
		if !g.handle(c, raw) {
			return
		}
	}
}

// handle processes one client event and reports whether to keep reading.
func (g *Gateway) handle(c *Conn, raw []byte) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.Emit(errorFrame(CodeBadRequest, "malformed event"))
		return true
	}
	switch env.Type {
	case EventAuthenticate:
		return g.authenticate(c, env.Payload)
	case EventPing:
		c.Emit(encode(EventPong, nil))
		return true
	case EventMessage, EventReadReceipt, EventTyping:
	default:
		c.Emit(errorFrame(CodeUnknownEvent, "unknown event "+env.Type))
		return true
	}

	id, ok := c.Identity()
	if !ok {
		c.Emit(errorFrame(CodeNotAuthenticated, domain.ErrNotAuthenticated.Error()))
		return true
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CallTimeout)
	defer cancel()
	switch env.Type {
	case EventMessage:
		g.sendMessage(ctx, c, id, env.Payload)
	case EventReadReceipt:
		g.readReceipt(ctx, c, id, env.Payload)
	case EventTyping:
		g.typing(ctx, c, id, env.Payload)
	}
	return true
}

func (g *Gateway) authenticate(c *Conn, payload json.RawMessage) bool {
	if _, ok := c.Identity(); ok {
		c.Emit(errorFrame(CodeAlreadyAuthed, "connection is already authenticated"))
		return true
	}
	var in AuthenticatePayload
	_ = json.Unmarshal(payload, &in)
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CallTimeout)
	defer cancel()

	id, err := g.verifier.Verify(ctx, strings.TrimSpace(in.Token))
	if err != nil {
		commonlog.Warnf("event=chat_ws_auth action=verify status=failed conn_id=%s error=%v", c.id, err)
		c.Emit(encode(EventAuthError, AuthErrorPayload{Reason: auth.ErrInvalidToken.Error()}))
		c.closeAfterFlush()
		return false
	}

	coach := id.IsCoach()
	var sub *broker.Subscription
	first, err := g.presence.Add(id.TenantID, id.UserID, c, func() (io.Closer, error) {
		s, err := g.backend.Subscribe(ctx, id.TenantID, id.UserID, coach)
		if err != nil {
			return nil, err
		}
		sub = s
		return s, nil
	})
	if err != nil {
		commonlog.Errorf("event=chat_ws_auth action=subscribe status=failed conn_id=%s tenant_id=%s user_id=%s error=%v", c.id, id.TenantID, id.UserID, err)
		c.Emit(encode(EventAuthError, AuthErrorPayload{Reason: CodeUnavailable}))
		c.closeAfterFlush()
		return false
	}
	if first {
		go g.pump(id.TenantID, id.UserID, sub)
	}
	c.setIdentity(id)
	if err := g.backend.Connect(ctx, id.TenantID, id.UserID, c.id, g.cfg.GatewayID, coach); err != nil {
		commonlog.Errorf("event=chat_presence action=connect status=failed tenant_id=%s user_id=%s conn_id=%s error=%v", id.TenantID, id.UserID, c.id, err)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		hbCtx, hbCancel := context.WithTimeout(g.ctx, g.cfg.CallTimeout)
		defer hbCancel()
		if err := g.backend.Heartbeat(hbCtx, id.TenantID, id.UserID); err != nil {
			commonlog.Warnf("event=chat_presence action=heartbeat status=failed tenant_id=%s user_id=%s error=%v", id.TenantID, id.UserID, err)
		}
		return nil
	})

	c.Emit(encode(EventAuthenticated, AuthenticatedPayload{UserID: id.UserID, TenantID: id.TenantID, UserType: id.UserType}))
	commonlog.Infof("event=chat_ws_auth action=authenticate status=ok conn_id=%s tenant_id=%s user_id=%s user_type=%s gateway_id=%s", c.id, id.TenantID, id.UserID, id.UserType, g.cfg.GatewayID)
	g.drain(c, id)
	return true
}

// drain hands the offline queue to c in FIFO order. The queue is trimmed only
// after every item was buffered for the socket.
func (g *Gateway) drain(c *Conn, id auth.Identity) {
	defer c.release()
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CallTimeout)
	defer cancel()

	items, total, err := g.backend.Undelivered(ctx, id.TenantID, id.UserID)
	if err != nil {
		commonlog.Errorf("event=chat_queue_drain action=load status=failed tenant_id=%s user_id=%s error=%v", id.TenantID, id.UserID, err)
		return
	}
	if total == 0 {
		return
	}
	for _, item := range items {
		if !c.emitWait(ctx, encode(EventMessage, item.Message)) {
			commonlog.Warnf("event=chat_queue_drain action=emit status=aborted tenant_id=%s user_id=%s handed=%d", id.TenantID, id.UserID, item.Position)
			return
		}
		if err := g.backend.MarkDelivered(ctx, id.TenantID, item.Message.ID); err != nil {
			commonlog.Warnf("event=chat_message_status action=delivered status=failed tenant_id=%s message_id=%s error=%v", id.TenantID, item.Message.ID, err)
		}
	}
	if err := g.backend.AckUndelivered(ctx, id.TenantID, id.UserID, total); err != nil {
		commonlog.Errorf("event=chat_queue_drain action=trim status=failed tenant_id=%s user_id=%s error=%v", id.TenantID, id.UserID, err)
		return
	}
	commonlog.Infof("event=chat_queue_drain action=drain status=ok tenant_id=%s user_id=%s delivered=%d queued=%d", id.TenantID, id.UserID, len(items), total)
}

func (g *Gateway) sendMessage(ctx context.Context, c *Conn, id auth.Identity, payload json.RawMessage) {
	var in SendPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		c.Emit(encode(EventMessageError, MessageErrorPayload{Code: CodeBadRequest, Error: "malformed message payload"}))
		return
	}
	sent, err := g.backend.SendMessage(ctx, domain.Message{
		TenantID:    id.TenantID,
		Type:        in.Type,
		SenderID:    id.UserID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		MediaRef:    in.MediaRef,
		MediaKind:   in.MediaKind,
		ClientMsgID: in.ID,
	})
	if err != nil {
		c.Emit(encode(EventMessageError, MessageErrorPayload{ID: in.ID, Code: errorCode(err), Error: err.Error()}))
		return
	}
	c.Emit(encode(EventMessageSent, MessageSentPayload{ID: in.ID, MessageID: sent.ID, Timestamp: sent.Timestamp}))
}

func (g *Gateway) readReceipt(ctx context.Context, c *Conn, id auth.Identity, payload json.RawMessage) {
	var in ReadReceiptPayload
	if err := json.Unmarshal(payload, &in); err != nil || strings.TrimSpace(in.MessageID) == "" {
		c.Emit(errorFrame(CodeBadRequest, "messageId is required"))
		return
	}
	if _, err := g.backend.MarkRead(ctx, id.TenantID, in.MessageID, id.UserID, id.IsCoach()); err != nil {
		c.Emit(errorFrame(errorCode(err), err.Error()))
	}
}

func (g *Gateway) typing(ctx context.Context, c *Conn, id auth.Identity, payload json.RawMessage) {
	var in TypingPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		c.Emit(errorFrame(CodeBadRequest, "malformed typing payload"))
		return
	}
	err := g.backend.PublishTyping(ctx, id.TenantID, domain.Typing{UserID: id.UserID, RecipientID: in.RecipientID, ConversationID: in.ConversationID})
	if err != nil {
		c.Emit(errorFrame(errorCode(err), err.Error()))
	}
}

// disconnect closes the socket before touching presence, so a delivery racing
// with it fails locally and falls back to the offline queue.
func (g *Gateway) disconnect(c *Conn) {
	c.shutdown()
	id, ok := c.Identity()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CallTimeout)
	defer cancel()
	if err := g.backend.Disconnect(ctx, id.TenantID, id.UserID, c.id, id.IsCoach()); err != nil {
		commonlog.Errorf("event=chat_presence action=disconnect status=failed tenant_id=%s user_id=%s conn_id=%s error=%v", id.TenantID, id.UserID, c.id, err)
	}
	last := g.presence.Remove(id.TenantID, id.UserID, c.id)
	commonlog.Infof("event=chat_ws_close action=disconnect status=ok conn_id=%s tenant_id=%s user_id=%s last=%t", c.id, id.TenantID, id.UserID, last)
}
