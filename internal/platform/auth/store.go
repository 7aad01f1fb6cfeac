package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderCredential is the only credential provider in use.
const ProviderCredential = "credential"

type User struct {
	ID            uuid.UUID
	Email         string
	Name          string
	EmailVerified bool
	MFAEnabled    bool
	TOTPSecret    string
	BackupCodes   []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Credential struct {
	UserID       uuid.UUID
	Provider     string
	PasswordHash string
}

type TenantStatus string

const (
	TenantStatusPending   TenantStatus = "PENDING"
	TenantStatusVerified  TenantStatus = "VERIFIED"
	TenantStatusActive    TenantStatus = "ACTIVE"
	TenantStatusSuspended TenantStatus = "SUSPENDED"
	TenantStatusInactive  TenantStatus = "INACTIVE"
)

// IsActive reports whether the status permits authenticated access.
func (s TenantStatus) IsActive() bool {
	return s == TenantStatusActive || s == TenantStatusVerified
}

func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusPending, TenantStatusVerified, TenantStatusActive, TenantStatusSuspended, TenantStatusInactive:
		return true
	}
	return false
}

type Tenant struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Status      TenantStatus `json:"status"`
	AdminEmail  string       `json:"admin_email"`
	PricingTier string       `json:"pricing_tier"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type StaffStatus string

const (
	StaffActive   StaffStatus = "ACTIVE"
	StaffInactive StaffStatus = "INACTIVE"
)

type Staff struct {
	ID             uuid.UUID   `json:"id"`
	UserID         uuid.UUID   `json:"user_id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	Status         StaffStatus `json:"status"`
	RoleIDs        []uuid.UUID `json:"role_ids"`
	Department     string      `json:"department,omitempty"`
	Specialization string      `json:"specialization,omitempty"`
	Shift          string      `json:"shift,omitempty"`
}

// Attributes returns the ABAC attributes carried into the session.
func (s *Staff) Attributes() map[string]string {
	attrs := map[string]string{}
	if s.Department != "" {
		attrs["department"] = s.Department
	}
	if s.Specialization != "" {
		attrs["specialization"] = s.Specialization
	}
	if s.Shift != "" {
		attrs["shift"] = s.Shift
	}
	return attrs
}

type Role struct {
	ID          uuid.UUID    `json:"id"`
	TenantID    uuid.UUID    `json:"tenant_id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Session is the authoritative record of an issued token pair. Tokens are
// stored only as fingerprints.
type Session struct {
	ID               uuid.UUID
	TokenHash        string
	RefreshHash      string
	UserID           uuid.UUID
	TenantID         uuid.UUID
	StaffID          uuid.UUID
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	IPAddress        string
	UserAgent        string
	RevokedAt        *time.Time
}

// Live reports whether the access token of s is usable at now.
func (s *Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Refreshable reports whether the refresh token of s is usable at now.
func (s *Session) Refreshable(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.RefreshExpiresAt)
}

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*Credential, error)
	UpdateMFA(ctx context.Context, userID uuid.UUID, enabled bool, secret string, backupCodes []string) error
	// ConsumeBackupCode removes one stored backup-code hash, returning
	// ErrNotFound when it was already spent.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, hash string) error
}

// TenantStatusReader resolves a tenant for the per-request activity check.
type TenantStatusReader interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

type MembershipStore interface {
	TenantStatusReader
	GetStaff(ctx context.Context, userID, tenantID uuid.UUID) (*Staff, error)
	// GetRolesByIDs returns the tenant's roles with the given ids in the
	// order of ids. Unknown ids are skipped.
	GetRolesByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Role, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	// RotateSession replaces the token pair of session id, but only while its
	// refresh hash still equals oldRefreshHash and it is not revoked.
	// ErrNotFound means another rotation won.
	RotateSession(ctx context.Context, id uuid.UUID, oldRefreshHash string, next *Session) error
	RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	// ListLiveSessions returns unrevoked sessions of userID that have not
	// expired at now. A nil tenantID matches every tenant.
	ListLiveSessions(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID, now time.Time) ([]Session, error)
	// DeleteExpiredSessions removes sessions whose refresh token expired
	// before cutoff.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the credential store the authentication core depends on.
type Store interface {
	UserStore
	MembershipStore
	SessionStore
}
