// Package broker accepts messages onto the durable log, applies log records
// to the message store, and exposes the read side (history, status,
// subscriptions) used by the gateway and the REST API.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coach_msg/server/chat/domain"
	"coach_msg/server/chat/store"
	commonlog "coach_msg/server/common/log"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

type TenantDirectory interface {
	Tenant(ctx context.Context, id string) (tenantdomain.Tenant, error)
}

type StatsRecorder interface {
	UpdateStats(ctx context.Context, id string, delta tenantdomain.StatsDelta) (tenantdomain.Stats, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, tenantID, key string, payload any) error
}

type Config struct {
	AppendRetries int
	AppendBackoff time.Duration
}

type Broker struct {
	tenants  TenantDirectory
	store    *store.Store
	appender Appender
	proc     *Processor
	stats    StatsRecorder
	events   EventPublisher
	cfg      Config
	now      func() time.Time
}

// New wires a broker. stats and events may be nil.
func New(tenants TenantDirectory, st *store.Store, appender Appender, stats StatsRecorder, events EventPublisher, cfg Config) *Broker {
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = 100 * time.Millisecond
	}
	return &Broker{
		tenants:  tenants,
		store:    st,
		appender: appender,
		proc:     NewProcessor(st, stats, events),
		stats:    stats,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SendMessage validates m, assigns id, timestamp and status, and appends it
// to the tenant's log partition. The returned message is not yet persisted.
func (b *Broker) SendMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	m.TenantID = strings.TrimSpace(m.TenantID)
	m.SenderID = strings.TrimSpace(m.SenderID)
	m.RecipientID = strings.TrimSpace(m.RecipientID)
	m.ClientMsgID = strings.TrimSpace(m.ClientMsgID)
	if m.Type == "" {
		m.Type = domain.TypeDirect
	}
	if err := m.Validate(); err != nil {
		return domain.Message{}, err
	}
	if err := b.checkTenant(ctx, m); err != nil {
		return domain.Message{}, err
	}

	m.ID = NewMessageID(m.TenantID, m.SenderID, m.ClientMsgID)
	m.Timestamp = b.now().UTC()
	m.Status = domain.StatusSent
	m.ReadBy = ""
	m.ReadAt = nil

	startedAt := time.Now()
	if err := b.appendWithRetry(ctx, m); err != nil {
		commonlog.Errorf("event=chat_message_append action=append status=failed tenant_id=%s sender_id=%s message_id=%s latency_ms=%d error=%v", m.TenantID, m.SenderID, m.ID, time.Since(startedAt).Milliseconds(), err)
		return domain.Message{}, err
	}
	commonlog.Infof("event=chat_message_append action=append status=ok tenant_id=%s sender_id=%s message_id=%s type=%s latency_ms=%d", m.TenantID, m.SenderID, m.ID, m.Type, time.Since(startedAt).Milliseconds())
	return m, nil
}

func (b *Broker) checkTenant(ctx context.Context, m domain.Message) error {
	tenant, err := b.tenants.Tenant(ctx, m.TenantID)
	if errors.Is(err, tenantdomain.ErrNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	if !tenant.Active() {
		return fmt.Errorf("%w: %w", domain.ErrForbidden, tenantdomain.ErrSuspended)
	}
	if m.MediaRef == "" {
		return nil
	}
	if m.MediaKind == domain.MediaAudio {
		if !tenant.Features.Audio {
			return fmt.Errorf("%w: audio messages are disabled for this tenant", domain.ErrForbidden)
		}
		return nil
	}
	if !tenant.Features.FileSharing {
		return fmt.Errorf("%w: file sharing is disabled for this tenant", domain.ErrForbidden)
	}
	return nil
}

func (b *Broker) appendWithRetry(ctx context.Context, m domain.Message) error {
	var err error
	backoff := b.cfg.AppendBackoff
	for attempt := 1; attempt <= b.cfg.AppendRetries; attempt++ {
		if err = b.appender.Append(ctx, m); err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidMessage) || errors.Is(err, domain.ErrForbidden) {
			return err
		}
		if attempt == b.cfg.AppendRetries {
			break
		}
		commonlog.Warnf("event=chat_message_append action=retry status=failed tenant_id=%s message_id=%s attempt=%d error=%v", m.TenantID, m.ID, attempt, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrTransientBroker, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientBroker, err)
}

type HistoryOptions struct {
	Limit  int
	Before time.Time
	// Coach is set when userA is a coach; it grants the coaches group timeline.
	Coach bool
}

// GetConversationHistory returns the conversation between userA and userB
// newest first, strictly older than opts.Before when set. userB may be a
// group id (RecipientAll, RecipientCoaches) to read that group's timeline.
func (b *Broker) GetConversationHistory(ctx context.Context, tenantID, userA, userB string, opts HistoryOptions) ([]domain.Message, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return nil, fmt.Errorf("%w: both participants are required", domain.ErrInvalidMessage)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if userB == domain.RecipientCoaches && !opts.Coach {
		return nil, fmt.Errorf("%w: only coaches can read the coaches timeline", domain.ErrForbidden)
	}
	return b.store.History(ctx, tenantID, userA, userB, limit, opts.Before)
}

// GetMessage returns the message when userID may see it.
func (b *Broker) GetMessage(ctx context.Context, tenantID, messageID, userID string, coach bool) (domain.Message, error) {
	m, err := b.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !m.Visible(userID, coach) {
		return domain.Message{}, domain.ErrForbidden
	}
	return m, nil
}

// MarkDelivered advances a message to delivered; read messages stay read.
func (b *Broker) MarkDelivered(ctx context.Context, tenantID, messageID string) error {
	_, _, err := b.store.UpdateStatus(ctx, tenantID, messageID, domain.StatusDelivered, "", b.now())
	return err
}

// MarkRead records that readerID read the message and notifies the sender
// with a read_receipt event on the sender's channel.
func (b *Broker) MarkRead(ctx context.Context, tenantID, messageID, readerID string, coach bool) (domain.Message, error) {
	m, err := b.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !m.Readable(readerID, coach) {
		return domain.Message{}, fmt.Errorf("%w: only a recipient can mark a message read", domain.ErrForbidden)
	}
	at := b.now().UTC()
	updated, changed, err := b.store.UpdateStatus(ctx, tenantID, messageID, domain.StatusRead, readerID, at)
	if err != nil {
		return domain.Message{}, err
	}
	if !changed {
		return updated, nil
	}
	evt := domain.Event{
		Kind:     domain.EventReadReceipt,
		TenantID: tenantID,
		Receipt:  &domain.ReadReceipt{MessageID: messageID, UserID: readerID, Timestamp: at},
	}
	if err := b.store.Publish(ctx, tenantID, domain.UserChannel(tenantID, updated.SenderID), evt); err != nil {
		commonlog.EventError("chat_read_receipt", err, "action", "publish", "status", "failed", "tenant_id", tenantID, "message_id", messageID)
	}
	return updated, nil
}

// UpdateStatus is the REST status transition: only participants may move a
// message forward, and only a recipient may mark it read.
func (b *Broker) UpdateStatus(ctx context.Context, tenantID, messageID, actorID string, coach bool, to domain.Status) (domain.Message, error) {
	if !to.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidMessage, to)
	}
	m, err := b.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !m.Visible(actorID, coach) {
		return domain.Message{}, domain.ErrForbidden
	}
	switch to {
	case domain.StatusRead:
		return b.MarkRead(ctx, tenantID, messageID, actorID, coach)
	case domain.StatusDelivered:
		updated, _, err := b.store.UpdateStatus(ctx, tenantID, messageID, to, "", b.now())
		return updated, err
	}
	return m, nil
}

func (b *Broker) DeleteMessage(ctx context.Context, tenantID, messageID, actorID string) error {
	m, err := b.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return fmt.Errorf("%w: only the sender can delete a message", domain.ErrForbidden)
	}
	if err := b.store.DeleteMessage(ctx, m); err != nil {
		return err
	}
	commonlog.Event("chat_message_delete", "action", "delete", "status", "ok", "tenant_id", tenantID, "message_id", messageID)
	return nil
}

// PublishTyping relays a typing indicator to the recipient's channel. It is
// never persisted.
func (b *Broker) PublishTyping(ctx context.Context, tenantID string, t domain.Typing) error {
	if strings.TrimSpace(t.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", domain.ErrInvalidMessage)
	}
	evt := domain.Event{Kind: domain.EventTyping, TenantID: tenantID, Typing: &t}
	return b.store.Publish(ctx, tenantID, domain.UserChannel(tenantID, t.RecipientID), evt)
}

// Subscribe joins the user's channel, the tenant broadcast channel and, for
// coaches, the coaches channel.
func (b *Broker) Subscribe(ctx context.Context, tenantID, userID string, coach bool) (*Subscription, error) {
	channels := []string{domain.UserChannel(tenantID, userID), domain.BroadcastChannel(tenantID)}
	if coach {
		channels = append(channels, domain.CoachesChannel(tenantID))
	}
	ps, err := b.store.Subscribe(ctx, tenantID, channels...)
	if err != nil {
		return nil, err
	}
	return newSubscription(ps, subscriptionBuffer), nil
}
