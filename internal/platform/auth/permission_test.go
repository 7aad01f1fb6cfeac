package auth

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{"PATIENT:READ", Permission{ResourcePatient, ActionRead}, false},
		{"prescription:manage", Permission{ResourcePrescription, ActionManage}, false},
		{" ROLE:CREATE ", Permission{ResourceRole, ActionCreate}, false},
		{"PATIENT", Permission{}, true},
		{"PATIENT:FLY", Permission{}, true},
		{"SPACESHIP:READ", Permission{}, true},
		{"", Permission{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePermission(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermission_JSON(t *testing.T) {
	perms := []Permission{{ResourcePatient, ActionRead}, {ResourceBilling, ActionManage}}
	raw, err := json.Marshal(perms)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `["PATIENT:READ","BILLING:MANAGE"]` {
		t.Errorf("unexpected JSON: %s", raw)
	}

	var back []Permission
	if err := json.Unmarshal([]byte(`["APPOINTMENT:UPDATE"]`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back[0] != (Permission{ResourceAppointment, ActionUpdate}) {
		t.Errorf("unexpected permission: %v", back[0])
	}
	if err := json.Unmarshal([]byte(`["NOPE:READ"]`), &back); err == nil {
		t.Error("expected unknown resource to be rejected")
	}
}

func TestHasPermission(t *testing.T) {
	held := mustPermissions("PATIENT:READ", "BILLING:MANAGE")

	tests := []struct {
		required string
		want     bool
	}{
		{"PATIENT:READ", true},
		{"PATIENT:UPDATE", false},
		{"BILLING:DELETE", true},
		{"BILLING:CREATE", true},
		{"BILLING:MANAGE", true},
		{"PATIENT:MANAGE", false},
		{"INVENTORY:READ", false},
	}
	for _, tt := range tests {
		p, _ := ParsePermission(tt.required)
		if got := HasPermission(held, p); got != tt.want {
			t.Errorf("HasPermission(%s) = %v, want %v", tt.required, got, tt.want)
		}
	}
}

func TestExpand(t *testing.T) {
	got := PermissionStrings(Expand(mustPermissions("REPORT:MANAGE", "PATIENT:READ", "PATIENT:READ")))
	want := []string{
		"PATIENT:READ",
		"REPORT:CREATE", "REPORT:DELETE", "REPORT:MANAGE", "REPORT:READ", "REPORT:UPDATE",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand = %v, want %v", got, want)
	}
}

func TestEffectivePermissions(t *testing.T) {
	got := EffectivePermissions(RoleConsultant, RoleLabTechnician, "UNKNOWN")
	want := Dedup(append(append([]Permission{}, RolePermissions[RoleConsultant]...), RolePermissions[RoleLabTechnician]...))
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EffectivePermissions = %v, want %v", got, want)
	}

	seen := map[Permission]bool{}
	for _, p := range got {
		if seen[p] {
			t.Errorf("duplicate permission %s", p)
		}
		seen[p] = true
	}
}

func TestRolePermissions_AllSeededRolesValid(t *testing.T) {
	for _, name := range SystemRoleNames() {
		perms, ok := RolePermissions[name]
		if !ok || len(perms) == 0 {
			t.Errorf("role %s has no permissions", name)
		}
	}
	names := SystemRoleNames()
	if names[0] != RoleSuperAdmin || names[len(names)-1] != RoleReceptionist {
		t.Errorf("unexpected role order: %v", names)
	}
}

func TestRoleRank(t *testing.T) {
	if RoleRank(RoleSuperAdmin) >= RoleRank(RoleHospitalAdmin) {
		t.Error("SUPER_ADMIN must outrank HOSPITAL_ADMIN")
	}
	if RoleRank(RoleDoctor) != RoleRank(RoleConsultant) {
		t.Error("DOCTOR and CONSULTANT share a rank")
	}
	if RoleRank("WARD_CLERK") != CustomRoleRank {
		t.Error("custom roles rank last")
	}
	if !IsAdminRole(RoleHospitalAdmin) || IsAdminRole(RoleDoctor) {
		t.Error("unexpected admin classification")
	}
}

func TestCheckGrant(t *testing.T) {
	doctor := GrantingRole{Name: RoleDoctor, Permissions: mustPermissions("PATIENT:READ", "PRESCRIPTION:MANAGE")}
	nurse := GrantingRole{Name: RoleNurse, Permissions: mustPermissions("APPOINTMENT:READ")}
	admin := GrantingRole{Name: RoleHospitalAdmin, Permissions: mustPermissions("PATIENT:READ", "ROLE:MANAGE")}

	tests := []struct {
		name      string
		roles     []GrantingRole
		requested []string
		wantErr   bool
	}{
		{"subset of own role", []GrantingRole{doctor}, []string{"PATIENT:READ", "PRESCRIPTION:UPDATE"}, false},
		{"manage grants concrete actions", []GrantingRole{doctor}, []string{"PRESCRIPTION:DELETE"}, false},
		{"equal to own role", []GrantingRole{doctor}, []string{"PATIENT:READ", "PRESCRIPTION:MANAGE"}, false},
		{"permission not held", []GrantingRole{doctor}, []string{"BILLING:READ"}, true},
		{"manage not held", []GrantingRole{nurse}, []string{"APPOINTMENT:MANAGE"}, true},
		{"non-admin combining two roles", []GrantingRole{doctor, nurse}, []string{"PATIENT:READ", "APPOINTMENT:READ"}, true},
		{"admin combining held permissions", []GrantingRole{admin, nurse}, []string{"PATIENT:READ", "APPOINTMENT:READ"}, false},
		{"admin cannot grant unheld", []GrantingRole{admin}, []string{"BILLING:READ"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckGrant(tt.roles, mustPermissions(tt.requested...))
			if tt.wantErr {
				assertCode(t, err, CodePermissionDenied)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
