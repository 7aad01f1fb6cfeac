package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Resource is a protected resource family.
type Resource string

const (
	ResourcePatient      Resource = "PATIENT"
	ResourcePrescription Resource = "PRESCRIPTION"
	ResourceInventory    Resource = "INVENTORY"
	ResourceBilling      Resource = "BILLING"
	ResourceReport       Resource = "REPORT"
	ResourceStaff        Resource = "STAFF"
	ResourceRole         Resource = "ROLE"
	ResourceTenant       Resource = "TENANT"
	ResourceAppointment  Resource = "APPOINTMENT"
	ResourceAudit        Resource = "AUDIT"
)

// Action is an operation on a Resource. MANAGE implies every other action on
// the same resource.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionManage Action = "MANAGE"
)

var resources = []Resource{
	ResourcePatient, ResourcePrescription, ResourceInventory, ResourceBilling, ResourceReport,
	ResourceStaff, ResourceRole, ResourceTenant, ResourceAppointment, ResourceAudit,
}

var actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage}

// managedActions are the actions MANAGE expands to.
var managedActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

func (r Resource) Valid() bool {
	for _, v := range resources {
		if v == r {
			return true
		}
	}
	return false
}

func (a Action) Valid() bool {
	for _, v := range actions {
		if v == a {
			return true
		}
	}
	return false
}

// Permission is a (resource, action) pair, written RESOURCE:ACTION.
type Permission struct {
	Resource Resource
	Action   Action
}

func NewPermission(r Resource, a Action) Permission {
	return Permission{Resource: r, Action: a}
}

func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePermission parses "RESOURCE:ACTION". Unknown resources or actions are
// rejected.
func ParsePermission(s string) (Permission, error) {
	res, act, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Permission{}, fmt.Errorf("invalid permission %q: expected RESOURCE:ACTION", s)
	}
	p := Permission{Resource: Resource(strings.ToUpper(res)), Action: Action(strings.ToUpper(act))}
	if !p.Resource.Valid() {
		return Permission{}, fmt.Errorf("invalid permission %q: unknown resource %q", s, res)
	}
	if !p.Action.Valid() {
		return Permission{}, fmt.Errorf("invalid permission %q: unknown action %q", s, act)
	}
	return p, nil
}

func ParsePermissions(values []string) ([]Permission, error) {
	out := make([]Permission, 0, len(values))
	for _, v := range values {
		p, err := ParsePermission(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func mustPermissions(values ...string) []Permission {
	perms, err := ParsePermissions(values)
	if err != nil {
		panic(err)
	}
	return perms
}

// PermissionStrings renders perms in RESOURCE:ACTION form.
func PermissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// Dedup returns the distinct permissions of perms in a stable sorted order.
func Dedup(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Expand replaces every RESOURCE:MANAGE with the concrete actions it implies,
// keeping MANAGE itself.
func Expand(perms []Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, p)
		if p.Action == ActionManage {
			for _, a := range managedActions {
				out = append(out, Permission{Resource: p.Resource, Action: a})
			}
		}
	}
	return Dedup(out)
}

// HasPermission reports whether held grants required, either verbatim or
// through RESOURCE:MANAGE.
func HasPermission(held []Permission, required Permission) bool {
	manage := Permission{Resource: required.Resource, Action: ActionManage}
	for _, p := range held {
		if p == required || p == manage {
			return true
		}
	}
	return false
}

// Seeded system role names.
const (
	RoleSuperAdmin    = "SUPER_ADMIN"
	RoleHospitalAdmin = "HOSPITAL_ADMIN"
	RoleDoctor        = "DOCTOR"
	RoleConsultant    = "CONSULTANT"
	RoleNurse         = "NURSE"
	RolePharmacist    = "PHARMACIST"
	RoleLabTechnician = "LAB_TECHNICIAN"
	RoleAccountant    = "ACCOUNTANT"
	RoleReceptionist  = "RECEPTIONIST"
)

// CustomRoleRank is the rank of any role that is not seeded.
const CustomRoleRank = 6

var roleRanks = map[string]int{
	RoleSuperAdmin:    0,
	RoleHospitalAdmin: 1,
	RoleDoctor:        2,
	RoleConsultant:    2,
	RolePharmacist:    3,
	RoleNurse:         3,
	RoleLabTechnician: 3,
	RoleAccountant:    4,
	RoleReceptionist:  5,
}

// RolePermissions is the permission set each seeded role is created with.
var RolePermissions = map[string][]Permission{
	RoleSuperAdmin: mustPermissions(
		"PATIENT:MANAGE", "PRESCRIPTION:MANAGE", "INVENTORY:MANAGE", "BILLING:MANAGE", "REPORT:MANAGE",
		"STAFF:MANAGE", "ROLE:MANAGE", "TENANT:MANAGE", "APPOINTMENT:MANAGE", "AUDIT:MANAGE",
	),
	RoleHospitalAdmin: mustPermissions(
		"PATIENT:MANAGE", "PRESCRIPTION:MANAGE", "INVENTORY:MANAGE", "BILLING:MANAGE", "REPORT:MANAGE",
		"STAFF:MANAGE", "ROLE:MANAGE", "APPOINTMENT:MANAGE", "TENANT:READ", "AUDIT:READ",
	),
	RoleDoctor: mustPermissions(
		"PATIENT:READ", "PATIENT:UPDATE", "PRESCRIPTION:MANAGE", "APPOINTMENT:READ", "APPOINTMENT:UPDATE", "REPORT:READ",
	),
	RoleConsultant: mustPermissions(
		"PATIENT:READ", "PRESCRIPTION:CREATE", "PRESCRIPTION:READ", "APPOINTMENT:READ",
	),
	RoleNurse: mustPermissions(
		"PATIENT:READ", "PATIENT:UPDATE", "PRESCRIPTION:READ", "APPOINTMENT:READ", "APPOINTMENT:UPDATE",
	),
	RolePharmacist: mustPermissions(
		"PATIENT:READ", "PRESCRIPTION:READ", "PRESCRIPTION:UPDATE", "INVENTORY:MANAGE",
	),
	RoleLabTechnician: mustPermissions(
		"PATIENT:READ", "REPORT:CREATE", "REPORT:READ",
	),
	RoleAccountant: mustPermissions(
		"PATIENT:READ", "BILLING:MANAGE", "REPORT:READ",
	),
	RoleReceptionist: mustPermissions(
		"PATIENT:CREATE", "PATIENT:READ", "PATIENT:UPDATE", "APPOINTMENT:MANAGE", "BILLING:READ",
	),
}

// SystemRoleNames lists the seeded roles from most to least authority.
func SystemRoleNames() []string {
	names := make([]string, 0, len(roleRanks))
	for name := range roleRanks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := roleRanks[names[i]], roleRanks[names[j]]
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// EffectivePermissions is the union of the seeded permission sets of the
// named roles. Unknown role names contribute nothing.
func EffectivePermissions(roleNames ...string) []Permission {
	var all []Permission
	for _, name := range roleNames {
		all = append(all, RolePermissions[name]...)
	}
	return Dedup(all)
}

// RoleRank returns the authority rank of a role name; lower means more
// authority.
func RoleRank(name string) int {
	if r, ok := roleRanks[name]; ok {
		return r
	}
	return CustomRoleRank
}

// IsAdminRole reports whether name is SUPER_ADMIN or HOSPITAL_ADMIN.
func IsAdminRole(name string) bool {
	return RoleRank(name) <= roleRanks[RoleHospitalAdmin]
}

// GrantingRole is one of the caller's roles with its permission set.
type GrantingRole struct {
	Name        string
	Permissions []Permission
}

// CheckGrant decides whether a caller holding roles may create a role with
// the requested permissions. Every requested permission must be held by the
// caller, and a caller without an admin role may not create a role whose
// permissions exceed those of any single role they hold.
func CheckGrant(roles []GrantingRole, requested []Permission) error {
	var held []Permission
	admin := false
	for _, r := range roles {
		held = append(held, r.Permissions...)
		if IsAdminRole(r.Name) {
			admin = true
		}
	}

	wanted := Expand(requested)
	for _, p := range wanted {
		if !HasPermission(held, p) {
			return PermissionDenied("Cannot grant a permission you do not hold: " + p.String())
		}
	}
	if admin {
		return nil
	}

	for _, r := range roles {
		if coversAll(r.Permissions, wanted) {
			return nil
		}
	}
	return PermissionDenied("Requested permissions exceed your role")
}

func coversAll(held, wanted []Permission) bool {
	for _, p := range wanted {
		if !HasPermission(held, p) {
			return false
		}
	}
	return true
}
