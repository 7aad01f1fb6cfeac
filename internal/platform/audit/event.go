// Package audit records security-relevant events (denied permissions, failed
// MFA, bad credentials, revoked-token use) without ever blocking or failing
// the request that produced them.
package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event types emitted by the auth subsystem and the admin API.
const (
	EventInvalidCredentials = "INVALID_CREDENTIALS"
	EventInvalidMFACode     = "INVALID_MFA_CODE"
	EventPermissionDenied   = "PERMISSION_DENIED"
	EventPolicyDenied       = "POLICY_DENIED"
	EventRevokedTokenUse    = "REVOKED_TOKEN_USE"
	EventTenantSwitch       = "TENANT_SWITCH"
	EventSessionsRevoked    = "SESSIONS_REVOKED"
	EventTenantStatus       = "TENANT_STATUS_CHANGED"
	EventStaffStatus        = "STAFF_STATUS_CHANGED"
	EventRoleCreated        = "ROLE_CREATED"
)

// Event is a single security event. ID and OccurredAt are filled in by the
// dispatcher when left empty.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity"`
	UserID     string         `json:"user_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (e *Event) normalize(now time.Time) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.OccurredAt), ulid.DefaultEntropy()).String()
	}
	if e.Severity == "" {
		e.Severity = SeverityMedium
	}
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc is a function adapter for Emitter.
type EmitterFunc func(e Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
