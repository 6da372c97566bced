package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

type Limits struct {
	MaxClients int `json:"maxClients"`
	MaxCoaches int `json:"maxCoaches"`
}

type Features struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	FileSharing bool `json:"fileSharing"`
	Analytics   bool `json:"analytics"`
}

func DefaultFeatures() Features {
	return Features{Audio: true, Video: false, FileSharing: true, Analytics: false}
}

// FeatureOverrides carries the features a caller set explicitly; nil fields
// keep the current value.
type FeatureOverrides struct {
	Audio       *bool `json:"audio,omitempty"`
	Video       *bool `json:"video,omitempty"`
	FileSharing *bool `json:"fileSharing,omitempty"`
	Analytics   *bool `json:"analytics,omitempty"`
}

func (o FeatureOverrides) Apply(f Features) Features {
	if o.Audio != nil {
		f.Audio = *o.Audio
	}
	if o.Video != nil {
		f.Video = *o.Video
	}
	if o.FileSharing != nil {
		f.FileSharing = *o.FileSharing
	}
	if o.Analytics != nil {
		f.Analytics = *o.Analytics
	}
	return f
}

type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Domain             string    `json:"domain,omitempty"`
	Limits             Limits    `json:"limits"`
	Features           Features  `json:"features"`
	BillingPlan        string    `json:"billingPlan"`
	Status             Status    `json:"status"`
	DedicatedRedisAddr string    `json:"dedicatedRedisAddr,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (t Tenant) Active() bool {
	return t.Status == StatusActive
}

type CreateInput struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Domain             string           `json:"domain"`
	Limits             Limits           `json:"limits"`
	Features           FeatureOverrides `json:"features"`
	BillingPlan        string           `json:"billingPlan"`
	DedicatedRedisAddr string           `json:"dedicatedRedisAddr"`
}

// Patch is a partial tenant update. An empty Domain pointer value unbinds
// the tenant's domain.
type Patch struct {
	Name               *string          `json:"name,omitempty"`
	Domain             *string          `json:"domain,omitempty"`
	Limits             *Limits          `json:"limits,omitempty"`
	Features           FeatureOverrides `json:"features"`
	BillingPlan        *string          `json:"billingPlan,omitempty"`
	Status             *Status          `json:"status,omitempty"`
	DedicatedRedisAddr *string          `json:"dedicatedRedisAddr,omitempty"`
}

func (p Patch) ApplyTo(t Tenant) Tenant {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Domain != nil {
		t.Domain = NormalizeDomain(*p.Domain)
	}
	if p.Limits != nil {
		t.Limits = *p.Limits
	}
	t.Features = p.Features.Apply(t.Features)
	if p.BillingPlan != nil {
		t.BillingPlan = strings.TrimSpace(*p.BillingPlan)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DedicatedRedisAddr != nil {
		t.DedicatedRedisAddr = strings.TrimSpace(*p.DedicatedRedisAddr)
	}
	return t
}

func NormalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

type Stats struct {
	ActiveClients int64     `json:"activeClients"`
	ActiveCoaches int64     `json:"activeCoaches"`
	MessagesSent  int64     `json:"messagesSent"`
	StorageUsed   int64     `json:"storageUsed"`
	LastActivity  time.Time `json:"lastActivity"`
}

// StatsDelta is added to the current counters, or replaces them when
// Overwrite is set.
type StatsDelta struct {
	ActiveClients int64 `json:"activeClients"`
	ActiveCoaches int64 `json:"activeCoaches"`
	MessagesSent  int64 `json:"messagesSent"`
	StorageUsed   int64 `json:"storageUsed"`
	Overwrite     bool  `json:"overwrite"`
}

type ListFilter struct {
	Offset int
	Limit  int
	Status Status
}

// ChangeEvent is published on every registry mutation.
type ChangeEvent struct {
	TenantID string    `json:"tenantId"`
	Action   string    `json:"action"`
	At       time.Time `json:"at"`
}
