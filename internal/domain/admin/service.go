package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

const maxRoleNameLength = 64

type Service struct {
	tenants  TenantRepository
	staff    StaffRepository
	roles    RoleRepository
	sessions SessionRevoker
	events   audit.Emitter
	logger   zerolog.Logger
}

func NewService(tenants TenantRepository, staff StaffRepository, roles RoleRepository, sessions SessionRevoker) *Service {
	return &Service{
		tenants:  tenants,
		staff:    staff,
		roles:    roles,
		sessions: sessions,
		events:   audit.Discard,
		logger:   zerolog.Nop(),
	}
}

// SetEvents attaches the security event emitter.
func (s *Service) SetEvents(e audit.Emitter) {
	if e != nil {
		s.events = e
	}
}

// SetLogger attaches a logger.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, auth.ErrNotFound) {
		return auth.NotFound(msg)
	}
	return auth.Internal(err)
}

// -- Tenant --

// UpdateTenantStatus moves the caller's own tenant along the lifecycle graph.
// Other tenants are reported as not found. Suspending a tenant leaves its
// sessions alone; the per-request tenant check denies them.
func (s *Service) UpdateTenantStatus(ctx context.Context, caller auth.Identity, tenantID uuid.UUID, req TenantStatusRequest) (*auth.Tenant, error) {
	if tenantID != caller.TenantID() {
		return nil, auth.NotFound("Tenant not found")
	}
	to := auth.TenantStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		return nil, auth.InvalidRequest("Unknown tenant status: " + req.Status)
	}

	current, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, notFoundOr(err, "Tenant not found")
	}
	if current.Status == to {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return nil, auth.InvalidRequest(fmt.Sprintf("Cannot change tenant status from %s to %s", current.Status, to))
	}

	updated, err := s.tenants.UpdateTenantStatus(ctx, tenantID, current.Status, to)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.InvalidRequest("Tenant status changed concurrently; retry")
	}
	if err != nil {
		return nil, auth.Internal(err)
	}

	s.events.Emit(audit.Event{
		Type:     audit.EventTenantStatus,
		Severity: audit.SeverityHigh,
		UserID:   caller.UserID().String(),
		TenantID: tenantID.String(),
		Detail: map[string]any{
			"from":   string(current.Status),
			"to":     string(to),
			"reason": req.Reason,
		},
	})
	s.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Msg("tenant status changed")
	return updated, nil
}

// -- Staff --

func (s *Service) ListStaff(ctx context.Context, caller auth.Identity, filter StaffFilter, limit, offset int) ([]*auth.Staff, int, error) {
	if filter.Status != "" && filter.Status != auth.StaffActive && filter.Status != auth.StaffInactive {
		return nil, 0, auth.InvalidRequest("Unknown staff status: " + string(filter.Status))
	}
	staff, total, err := s.staff.ListStaff(ctx, caller.TenantID(), filter, limit, offset)
	if err != nil {
		return nil, 0, auth.Internal(err)
	}
	return staff, total, nil
}

// UpdateStaffStatus activates or deactivates a staff member of the caller's
// tenant. Deactivation revokes the member's sessions in that tenant.
func (s *Service) UpdateStaffStatus(ctx context.Context, caller auth.Identity, staffID uuid.UUID, req StaffStatusRequest) (*StaffStatusResult, error) {
	status := auth.StaffStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != auth.StaffActive && status != auth.StaffInactive {
		return nil, auth.InvalidRequest("Unknown staff status: " + req.Status)
	}
	tenantID := caller.TenantID()

	st, err := s.staff.GetStaffByID(ctx, tenantID, staffID)
	if err != nil {
		return nil, notFoundOr(err, "Staff member not found")
	}
	if st.ID == caller.StaffID() && status == auth.StaffInactive {
		return nil, auth.InvalidRequest("Cannot deactivate yourself")
	}

	result := &StaffStatusResult{Staff: st}
	if st.Status != status {
		if err := s.staff.UpdateStaffStatus(ctx, tenantID, staffID, status); err != nil {
			return nil, notFoundOr(err, "Staff member not found")
		}
		st.Status = status
		s.events.Emit(audit.Event{
			Type:     audit.EventStaffStatus,
			Severity: audit.SeverityMedium,
			UserID:   caller.UserID().String(),
			TenantID: tenantID.String(),
			Detail:   map[string]any{"staff_id": staffID.String(), "status": string(status)},
		})
	}

	if status == auth.StaffInactive {
		n, err := s.sessions.RevokeAllForUser(ctx, st.UserID, &tenantID)
		if err != nil {
			return nil, err
		}
		result.RevokedSessions = n
	}
	return result, nil
}

// -- Role --

func (s *Service) ListRoles(ctx context.Context, caller auth.Identity) ([]*auth.Role, error) {
	roles, err := s.roles.ListRoles(ctx, caller.TenantID())
	if err != nil {
		return nil, auth.Internal(err)
	}
	return roles, nil
}

// CreateRole creates a custom role in the caller's tenant. The caller must
// hold every permission granted and, unless an admin, one of their roles
// must cover the whole set.
func (s *Service) CreateRole(ctx context.Context, caller auth.Identity, req CreateRoleRequest) (*auth.Role, error) {
	name := strings.ToUpper(strings.TrimSpace(req.Name))
	if name == "" {
		return nil, auth.InvalidRequest("Role name is required")
	}
	if len(name) > maxRoleNameLength {
		return nil, auth.InvalidRequest(fmt.Sprintf("Role name must be at most %d characters", maxRoleNameLength))
	}
	if auth.RoleRank(name) != auth.CustomRoleRank {
		return nil, auth.InvalidRequest("Role name is reserved: " + name)
	}
	if len(req.Permissions) == 0 {
		return nil, auth.InvalidRequest("At least one permission is required")
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		return nil, auth.InvalidRequest(err.Error())
	}
	perms = auth.Dedup(perms)

	granting, err := s.grantingRoles(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckGrant(granting, perms); err != nil {
		return nil, err
	}

	role := &auth.Role{
		ID:          uuid.New(),
		TenantID:    caller.TenantID(),
		Name:        name,
		Permissions: perms,
		Active:      true,
	}
	if err := s.roles.CreateRole(ctx, role); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, auth.InvalidRequest("Role already exists: " + name)
		}
		return nil, auth.Internal(err)
	}

	s.events.Emit(audit.Event{
		Type:     audit.EventRoleCreated,
		Severity: audit.SeverityMedium,
		UserID:   caller.UserID().String(),
		TenantID: caller.TenantID().String(),
		Detail:   map[string]any{"role": name, "permissions": auth.PermissionStrings(perms)},
	})
	return role, nil
}

// grantingRoles loads the caller's roles with their permission sets. The
// session carries only names and ids.
func (s *Service) grantingRoles(ctx context.Context, caller auth.Identity) ([]auth.GrantingRole, error) {
	refs := caller.Roles()
	ids := make([]uuid.UUID, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	roles, err := s.roles.GetRolesByIDs(ctx, caller.TenantID(), ids)
	if err != nil {
		return nil, auth.Internal(err)
	}
	out := make([]auth.GrantingRole, 0, len(roles))
	for _, r := range roles {
		if !r.Active {
			continue
		}
		out = append(out, auth.GrantingRole{Name: r.Name, Permissions: r.Permissions})
	}
	return out, nil
}

// SeedSystemRoles creates the seeded roles in a tenant. Roles that already
// exist are left untouched. It returns the number created.
func (s *Service) SeedSystemRoles(ctx context.Context, tenantID uuid.UUID) (int, error) {
	created := 0
	for _, name := range auth.SystemRoleNames() {
		role := &auth.Role{
			ID:          uuid.New(),
			TenantID:    tenantID,
			Name:        name,
			Permissions: auth.RolePermissions[name],
			IsSystem:    true,
			Active:      true,
		}
		if err := s.roles.CreateRole(ctx, role); err != nil {
			if db.IsUniqueViolation(err) {
				continue
			}
			return created, fmt.Errorf("seed role %s: %w", name, err)
		}
		created++
	}
	return created, nil
}
