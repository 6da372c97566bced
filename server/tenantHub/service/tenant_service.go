package tenanthub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"coach_msg/server/common/infra/mq"
	commonlog "coach_msg/server/common/log"
	"coach_msg/server/tenantHub/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Repository interface {
	Create(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
	Get(ctx context.Context, id string) (domain.Tenant, error)
	GetByDomain(ctx context.Context, d string) (domain.Tenant, error)
	Update(ctx context.Context, id string, fn func(domain.Tenant) (domain.Tenant, error)) (domain.Tenant, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error)
	UpdateStats(ctx context.Context, id string, delta domain.StatsDelta, at time.Time) (domain.Stats, error)
	GetStats(ctx context.Context, id string) (domain.Stats, error)
}

type Invalidator interface {
	InvalidateTenant(tenantID string)
}

type EventPublisher interface {
	Publish(ctx context.Context, tenantID, key string, payload any) error
}

type Service struct {
	repo    Repository
	events  EventPublisher
	routers []Invalidator
	now     func() time.Time
}

// NewService wires the registry. events may be nil when no broker is
// configured; invalidators are notified after every successful mutation.
func NewService(repo Repository, events EventPublisher, invalidators ...Invalidator) *Service {
	s := &Service{repo: repo, events: events, now: time.Now}
	for _, inv := range invalidators {
		s.AddInvalidator(inv)
	}
	return s
}

func (s *Service) AddInvalidator(inv Invalidator) {
	if inv != nil {
		s.routers = append(s.routers, inv)
	}
}

func (s *Service) CreateTenant(ctx context.Context, in domain.CreateInput) (domain.Tenant, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Tenant{}, fmt.Errorf("%w: name is required", domain.ErrInvalidTenant)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, ": ") {
		return domain.Tenant{}, fmt.Errorf("%w: id must not contain ':' or spaces", domain.ErrInvalidTenant)
	}
	if err := validateLimits(in.Limits); err != nil {
		return domain.Tenant{}, err
	}

	now := s.now().UTC()
	created, err := s.repo.Create(ctx, domain.Tenant{
		ID:                 id,
		Name:               name,
		Domain:             domain.NormalizeDomain(in.Domain),
		Limits:             in.Limits,
		Features:           in.Features.Apply(domain.DefaultFeatures()),
		BillingPlan:        strings.TrimSpace(in.BillingPlan),
		Status:             domain.StatusActive,
		DedicatedRedisAddr: strings.TrimSpace(in.DedicatedRedisAddr),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		commonlog.EventError("tenant_registry", err, "action", "create", "status", "failed", "tenant_id", id)
		return domain.Tenant{}, err
	}
	commonlog.Event("tenant_registry", "action", "create", "status", "ok", "tenant_id", id, "domain", created.Domain)
	s.changed(ctx, id, "created")
	return created, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	return s.repo.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) GetTenantByDomain(ctx context.Context, d string) (domain.Tenant, error) {
	return s.repo.GetByDomain(ctx, domain.NormalizeDomain(d))
}

// UpdateTenant applies patch atomically. A domain change is re-validated
// against the index; on any error nothing is written.
func (s *Service) UpdateTenant(ctx context.Context, id string, patch domain.Patch) (domain.Tenant, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.Tenant{}, fmt.Errorf("%w: status must be active or suspended", domain.ErrInvalidTenant)
	}
	if patch.Limits != nil {
		if err := validateLimits(*patch.Limits); err != nil {
			return domain.Tenant{}, err
		}
	}
	updated, err := s.repo.Update(ctx, id, func(current domain.Tenant) (domain.Tenant, error) {
		next := patch.ApplyTo(current)
		if next.Name == "" {
			return domain.Tenant{}, fmt.Errorf("%w: name is required", domain.ErrInvalidTenant)
		}
		next.UpdatedAt = s.now().UTC()
		return next, nil
	})
	if err != nil {
		commonlog.EventError("tenant_registry", err, "action", "update", "status", "failed", "tenant_id", id)
		return domain.Tenant{}, err
	}
	commonlog.Event("tenant_registry", "action", "update", "status", "ok", "tenant_id", id)
	s.changed(ctx, id, "updated")
	return updated, nil
}

func (s *Service) SuspendTenant(ctx context.Context, id string) (domain.Tenant, error) {
	status := domain.StatusSuspended
	return s.UpdateTenant(ctx, id, domain.Patch{Status: &status})
}

func (s *Service) DeleteTenant(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		commonlog.EventError("tenant_registry", err, "action", "delete", "status", "failed", "tenant_id", id)
		return err
	}
	commonlog.Event("tenant_registry", "action", "delete", "status", "ok", "tenant_id", id)
	s.changed(ctx, id, "deleted")
	return nil
}

func (s *Service) ListTenants(ctx context.Context, filter domain.ListFilter) ([]domain.Tenant, error) {
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status filter %q", domain.ErrInvalidTenant, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) UpdateStats(ctx context.Context, id string, delta domain.StatsDelta) (domain.Stats, error) {
	return s.repo.UpdateStats(ctx, id, delta, s.now().UTC())
}

func (s *Service) GetStats(ctx context.Context, id string) (domain.Stats, error) {
	return s.repo.GetStats(ctx, id)
}

func (s *Service) changed(ctx context.Context, tenantID, action string) {
	for _, inv := range s.routers {
		inv.InvalidateTenant(tenantID)
	}
	if s.events == nil {
		return
	}
	evt := domain.ChangeEvent{TenantID: tenantID, Action: action, At: s.now().UTC()}
	if err := s.events.Publish(ctx, tenantID, mq.EventTenantUpdated, evt); err != nil {
		commonlog.EventError("tenant_registry_publish", err, "action", action, "status", "failed", "tenant_id", tenantID)
	}
}

func validateLimits(l domain.Limits) error {
	if l.MaxClients < 0 || l.MaxCoaches < 0 {
		return fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidTenant)
	}
	return nil
}
