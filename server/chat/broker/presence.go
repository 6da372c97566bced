package broker

import (
	"context"

	"coach_msg/server/chat/domain"
	"coach_msg/server/chat/store"
	commonlog "coach_msg/server/common/log"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

// Connect records a live connection. The tenant's active user counters move
// only when the user's first connection appears.
func (b *Broker) Connect(ctx context.Context, tenantID, userID, connID, gatewayID string, coach bool) error {
	n, err := b.store.AddPresence(ctx, tenantID, userID, connID, gatewayID)
	if err != nil {
		return err
	}
	if n == 1 {
		b.adjustActive(ctx, tenantID, coach, 1)
	}
	return nil
}

func (b *Broker) Heartbeat(ctx context.Context, tenantID, userID string) error {
	return b.store.RefreshPresence(ctx, tenantID, userID)
}

func (b *Broker) Disconnect(ctx context.Context, tenantID, userID, connID string, coach bool) error {
	n, err := b.store.RemovePresence(ctx, tenantID, userID, connID)
	if err != nil {
		return err
	}
	if n == 0 {
		b.adjustActive(ctx, tenantID, coach, -1)
	}
	return nil
}

// OnlineConnections counts the user's connections across all gateways.
func (b *Broker) OnlineConnections(ctx context.Context, tenantID, userID string) (int64, error) {
	return b.store.PresenceCount(ctx, tenantID, userID)
}

// Undelivered returns the user's queued messages oldest first together with
// the raw queue length to acknowledge once they are handed over.
func (b *Broker) Undelivered(ctx context.Context, tenantID, userID string) ([]store.QueuedMessage, int, error) {
	return b.store.Pending(ctx, tenantID, userID)
}

func (b *Broker) AckUndelivered(ctx context.Context, tenantID, userID string, n int) error {
	return b.store.Trim(ctx, tenantID, userID, n)
}

// EnqueueUndelivered parks a message a gateway failed to hand over.
func (b *Broker) EnqueueUndelivered(ctx context.Context, m domain.Message, userID string) error {
	return b.proc.Park(ctx, m, userID)
}

func (b *Broker) adjustActive(ctx context.Context, tenantID string, coach bool, by int64) {
	if b.stats == nil {
		return
	}
	delta := tenantdomain.StatsDelta{ActiveClients: by}
	if coach {
		delta = tenantdomain.StatsDelta{ActiveCoaches: by}
	}
	if _, err := b.stats.UpdateStats(ctx, tenantID, delta); err != nil {
		commonlog.EventError("tenant_stats_update", err, "action", "presence", "status", "failed", "tenant_id", tenantID)
	}
}
