package admin

import (
	"github.com/hms/hms/internal/platform/auth"
)

// tenantTransitions is the tenant lifecycle. No status may move back to
// PENDING.
var tenantTransitions = map[auth.TenantStatus][]auth.TenantStatus{
	auth.TenantStatusPending:   {auth.TenantStatusVerified, auth.TenantStatusInactive},
	auth.TenantStatusVerified:  {auth.TenantStatusActive, auth.TenantStatusSuspended, auth.TenantStatusInactive},
	auth.TenantStatusActive:    {auth.TenantStatusSuspended, auth.TenantStatusInactive},
	auth.TenantStatusSuspended: {auth.TenantStatusActive, auth.TenantStatusInactive},
	auth.TenantStatusInactive:  {auth.TenantStatusActive},
}

// CanTransition reports whether a tenant may move from one status to another.
func CanTransition(from, to auth.TenantStatus) bool {
	for _, next := range tenantTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TenantStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type StaffStatusRequest struct {
	Status string `json:"status"`
}

type CreateRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// StaffFilter narrows ListStaff. Empty fields match everything.
type StaffFilter struct {
	Status     auth.StaffStatus
	Department string
}

// StaffStatusResult reports a staff status change and how many sessions the
// change revoked.
type StaffStatusResult struct {
	Staff           *auth.Staff `json:"staff"`
	RevokedSessions int         `json:"revokedSessions"`
}
