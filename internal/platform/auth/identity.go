package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	identityKey contextKey = "auth_identity"
	tokenKey    contextKey = "auth_token"
)

// RoleRef is the summary of a role carried in a session.
type RoleRef struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	IsSystem bool      `json:"isSystem"`
}

// Snapshot is the denormalized session record held in the session cache.
type Snapshot struct {
	SessionID   uuid.UUID         `json:"session_id"`
	UserID      uuid.UUID         `json:"user_id"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	TenantName  string            `json:"tenant_name"`
	StaffID     uuid.UUID         `json:"staff_id"`
	Roles       []RoleRef         `json:"roles"`
	Permissions []Permission      `json:"permissions"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Roles = append([]RoleRef(nil), s.Roles...)
	out.Permissions = append([]Permission(nil), s.Permissions...)
	if s.Attributes != nil {
		out.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Identity is the resolved caller of a request. It is built once by the
// Authenticate middleware and never mutated; accessors return copies.
type Identity struct {
	snap Snapshot
}

func NewIdentity(s Snapshot) Identity {
	return Identity{snap: s.clone()}
}

func (i Identity) IsZero() bool              { return i.snap.UserID == uuid.Nil }
func (i Identity) SessionID() uuid.UUID      { return i.snap.SessionID }
func (i Identity) UserID() uuid.UUID         { return i.snap.UserID }
func (i Identity) Email() string             { return i.snap.Email }
func (i Identity) Name() string              { return i.snap.Name }
func (i Identity) TenantID() uuid.UUID       { return i.snap.TenantID }
func (i Identity) TenantName() string        { return i.snap.TenantName }
func (i Identity) StaffID() uuid.UUID        { return i.snap.StaffID }
func (i Identity) ExpiresAt() time.Time      { return i.snap.ExpiresAt }
func (i Identity) Attribute(k string) string { return i.snap.Attributes[k] }

func (i Identity) Roles() []RoleRef {
	return append([]RoleRef(nil), i.snap.Roles...)
}

func (i Identity) RoleNames() []string {
	names := make([]string, len(i.snap.Roles))
	for n, r := range i.snap.Roles {
		names[n] = r.Name
	}
	return names
}

func (i Identity) Permissions() []Permission {
	return append([]Permission(nil), i.snap.Permissions...)
}

func (i Identity) Attributes() map[string]string {
	return i.snap.clone().Attributes
}

// Snapshot returns a copy of the underlying session snapshot.
func (i Identity) Snapshot() Snapshot {
	return i.snap.clone()
}

func (i Identity) HasPermission(p Permission) bool {
	return HasPermission(i.snap.Permissions, p)
}

// IsAdmin reports whether any of the caller's roles is an admin role.
func (i Identity) IsAdmin() bool {
	for _, r := range i.snap.Roles {
		if IsAdminRole(r.Name) {
			return true
		}
	}
	return false
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by Authenticate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && !id.IsZero()
}

// WithToken returns a copy of ctx carrying the raw bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey).(string)
	return tok
}

// CurrentIdentity reads the identity from the request bound to c.
func CurrentIdentity(c echo.Context) (Identity, bool) {
	return IdentityFromContext(c.Request().Context())
}
