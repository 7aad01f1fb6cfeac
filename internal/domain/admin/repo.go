package admin

import (
	"context"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/auth"
)

// TenantRepository defines the persistence interface for tenants.
type TenantRepository interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*auth.Tenant, error)
	// UpdateTenantStatus moves tenant id from status from to status to. It
	// returns auth.ErrNotFound when the tenant is gone or its status is no
	// longer from.
	UpdateTenantStatus(ctx context.Context, id uuid.UUID, from, to auth.TenantStatus) (*auth.Tenant, error)
}

// StaffRepository defines the persistence interface for tenant staff.
// Every call is scoped to a tenant.
type StaffRepository interface {
	ListStaff(ctx context.Context, tenantID uuid.UUID, filter StaffFilter, limit, offset int) ([]*auth.Staff, int, error)
	GetStaffByID(ctx context.Context, tenantID, id uuid.UUID) (*auth.Staff, error)
	UpdateStaffStatus(ctx context.Context, tenantID, id uuid.UUID, status auth.StaffStatus) error
}

// RoleRepository defines the persistence interface for tenant roles.
type RoleRepository interface {
	ListRoles(ctx context.Context, tenantID uuid.UUID) ([]*auth.Role, error)
	GetRolesByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]auth.Role, error)
	// CreateRole inserts role. A duplicate (tenant, name) surfaces as a
	// unique violation.
	CreateRole(ctx context.Context, role *auth.Role) error
}

// SessionRevoker ends the live sessions of a user.
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (int, error)
}
