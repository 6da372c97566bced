package gateway

import (
	"context"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	commonlog "coach_msg/server/common/log"
)

// pump forwards a user's fan-out events to the user's local connections in
// arrival order until the subscription is closed. A subscription that dies
// while the user is still present evicts the user and shuts the connections
// down so the clients reconnect and drain their offline queue.
func (g *Gateway) pump(tenantID, userID string, sub *broker.Subscription) {
	for evt := range sub.C() {
		g.dispatch(tenantID, userID, evt)
	}
	if g.ctx.Err() != nil {
		return
	}
	conns := g.presence.Evict(tenantID, userID, sub)
	if len(conns) == 0 {
		return
	}
	_ = sub.Close()
	commonlog.Warnf("event=chat_subscription action=lost status=failed tenant_id=%s user_id=%s conns=%d", tenantID, userID, len(conns))
	for _, c := range conns {
		c.shutdown()
	}
}

func (g *Gateway) dispatch(tenantID, userID string, evt domain.Event) {
	switch evt.Kind {
	case domain.EventMessage:
		if evt.Message != nil {
			g.deliverMessage(tenantID, userID, *evt.Message)
		}
	case domain.EventReadReceipt:
		if evt.Receipt != nil {
			g.broadcastLocal(tenantID, userID, encode(EventReadReceipt, evt.Receipt))
		}
	case domain.EventTyping:
		if evt.Typing != nil {
			g.broadcastLocal(tenantID, userID, encode(EventTyping, TypingEventPayload{UserID: evt.Typing.UserID, ConversationID: evt.Typing.ConversationID}))
		}
	}
}

func (g *Gateway) broadcastLocal(tenantID, userID string, frame []byte) int {
	handed := 0
	for _, c := range g.presence.Conns(tenantID, userID) {
		if c.Deliver(frame) {
			handed++
		}
	}
	return handed
}

func (g *Gateway) deliverMessage(tenantID, userID string, m domain.Message) {
	if m.SenderID == userID {
		return
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CallTimeout)
	defer cancel()

	personal := m.UserRecipient() && m.RecipientID == userID
	if g.broadcastLocal(tenantID, userID, encode(EventMessage, m)) > 0 {
		if personal {
			if err := g.backend.MarkDelivered(ctx, tenantID, m.ID); err != nil {
				commonlog.Warnf("event=chat_message_status action=delivered status=failed tenant_id=%s message_id=%s error=%v", tenantID, m.ID, err)
			}
		}
		return
	}
	if !personal {
		return
	}

	// No local socket took it. Queue it unless another gateway holds the
	// user; local sockets still listed centrally are closing.
	local := int64(len(g.presence.Conns(tenantID, userID)))
	n, err := g.backend.OnlineConnections(ctx, tenantID, userID)
	if err == nil && n > local {
		return
	}
	if err := g.backend.EnqueueUndelivered(ctx, m, userID); err != nil {
		commonlog.Errorf("event=chat_message_park action=enqueue status=failed tenant_id=%s user_id=%s message_id=%s error=%v", tenantID, userID, m.ID, err)
	}
}
