package broker

import (
	"context"
	"errors"

	"coach_msg/server/chat/domain"
	"coach_msg/server/chat/store"
	"coach_msg/server/common/infra/mq"
	commonlog "coach_msg/server/common/log"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

// Processor applies log records to the store and fans them out. Applying the
// same record twice leaves the store unchanged and does not fan out again.
type Processor struct {
	store  *store.Store
	stats  StatsRecorder
	events EventPublisher
}

func NewProcessor(st *store.Store, stats StatsRecorder, events EventPublisher) *Processor {
	return &Processor{store: st, stats: stats, events: events}
}

func (p *Processor) Process(ctx context.Context, m domain.Message) error {
	published, err := p.store.Published(ctx, m.TenantID, m.ID)
	if err != nil {
		return err
	}
	if published {
		return nil
	}

	created, err := p.store.PutMessage(ctx, m)
	if err != nil {
		return err
	}
	if !created {
		// A previous attempt stored the record but did not finish fan-out.
		existing, err := p.store.GetMessage(ctx, m.TenantID, m.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m = existing
	}
	if err := p.store.IndexTimeline(ctx, m); err != nil {
		return err
	}
	if created {
		p.recordStats(ctx, m)
	}
	if err := p.route(ctx, m); err != nil {
		return err
	}
	return p.store.MarkPublished(ctx, m.TenantID, m.ID)
}

func (p *Processor) route(ctx context.Context, m domain.Message) error {
	evt := domain.Event{Kind: domain.EventMessage, TenantID: m.TenantID, Message: &m}
	switch m.RecipientID {
	case domain.RecipientAll:
		return p.store.Publish(ctx, m.TenantID, domain.BroadcastChannel(m.TenantID), evt)
	case domain.RecipientCoaches:
		return p.store.Publish(ctx, m.TenantID, domain.CoachesChannel(m.TenantID), evt)
	}

	if err := p.store.Publish(ctx, m.TenantID, domain.ConversationChannel(m.TenantID, m.SenderID, m.RecipientID), evt); err != nil {
		return err
	}
	receivers, err := p.store.Deliver(ctx, m.TenantID, domain.UserChannel(m.TenantID, m.RecipientID), evt)
	if err != nil {
		return err
	}
	if receivers > 0 {
		return nil
	}
	return p.Park(ctx, m, m.RecipientID)
}

// Park queues m for an offline user and announces it on the integration bus.
func (p *Processor) Park(ctx context.Context, m domain.Message, userID string) error {
	if err := p.store.Enqueue(ctx, m.TenantID, userID, m); err != nil {
		return err
	}
	commonlog.Event("chat_message_park", "action", "enqueue", "status", "ok", "tenant_id", m.TenantID, "user_id", userID, "message_id", m.ID)
	if p.events == nil {
		return nil
	}
	err := p.events.Publish(ctx, m.TenantID, mq.EventMessageUndelivered, domain.UndeliveredEvent{
		MessageID:   m.ID,
		TenantID:    m.TenantID,
		RecipientID: userID,
		SenderID:    m.SenderID,
		Type:        m.Type,
		Timestamp:   m.Timestamp,
	})
	if err != nil {
		commonlog.EventError("chat_message_park", err, "action", "announce", "status", "failed", "tenant_id", m.TenantID, "message_id", m.ID)
	}
	return nil
}

func (p *Processor) recordStats(ctx context.Context, m domain.Message) {
	if p.stats == nil {
		return
	}
	_, err := p.stats.UpdateStats(ctx, m.TenantID, tenantdomain.StatsDelta{MessagesSent: 1, StorageUsed: m.Size()})
	if err != nil {
		commonlog.EventError("tenant_stats_update", err, "action", "message_sent", "status", "failed", "tenant_id", m.TenantID)
	}
}
