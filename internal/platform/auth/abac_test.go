package auth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/audit"
)

func TestRequirePolicy(t *testing.T) {
	tenantID := uuid.New()
	id := testIdentity(tenantID, []string{RoleDoctor}, "PRESCRIPTION:UPDATE")

	tests := []struct {
		name     string
		policy   Policy
		wantCode Code
		reached  bool
	}{
		{"allowed", func(echo.Context, Identity) (bool, error) { return true, nil }, "", true},
		{"denied", func(echo.Context, Identity) (bool, error) { return false, nil }, CodePolicyDenied, false},
		{"not found", func(echo.Context, Identity) (bool, error) {
			return false, fmt.Errorf("prescription lookup: %w", ErrNotFound)
		}, CodeNotFound, false},
		{"taxonomy error", func(echo.Context, Identity) (bool, error) { return false, Unavailable(errors.New("down")) }, CodeServiceUnavailable, false},
		{"unexpected error", func(echo.Context, Identity) (bool, error) { return false, errors.New("boom") }, CodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &eventLog{}
			authz := NewAuthorizer(activeTenants(), WithAuthorizerEvents(events))
			reached, err := runGate(t, authz.RequirePolicy(tt.policy), id)
			if reached != tt.reached {
				t.Fatalf("reached = %v, want %v", reached, tt.reached)
			}
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			assertCode(t, err, tt.wantCode)

			wantEvents := 0
			if tt.wantCode == CodePolicyDenied {
				wantEvents = 1
			}
			if n := events.count(audit.EventPolicyDenied); n != wantEvents {
				t.Errorf("expected %d POLICY_DENIED events, got %d", wantEvents, n)
			}
		})
	}
}

func TestRequirePolicy_RequiresIdentity(t *testing.T) {
	authz := NewAuthorizer(activeTenants())
	called := false
	_, err := runGate(t, authz.RequirePolicy(func(echo.Context, Identity) (bool, error) {
		called = true
		return true, nil
	}), Identity{})
	assertCode(t, err, CodeUnauthorized)
	if called {
		t.Error("policy must not run without identity")
	}
}

func TestOwnedBy(t *testing.T) {
	tenantID := uuid.New()
	author := testIdentity(tenantID, []string{RoleDoctor}, "PRESCRIPTION:UPDATE")
	colleague := testIdentity(tenantID, []string{RoleDoctor}, "PRESCRIPTION:UPDATE")
	admin := testIdentity(tenantID, []string{RoleHospitalAdmin}, "PRESCRIPTION:MANAGE")

	var lookedUpTenant uuid.UUID
	lookup := func(c echo.Context, tid uuid.UUID) (uuid.UUID, error) {
		lookedUpTenant = tid
		return author.StaffID(), nil
	}
	authz := NewAuthorizer(activeTenants())
	mw := authz.RequirePolicy(AdminBypass(OwnedBy(lookup)))

	if reached, err := runGate(t, mw, author); err != nil || !reached {
		t.Fatalf("author should be allowed, got %v", err)
	}
	if lookedUpTenant != tenantID {
		t.Error("owner lookup must be scoped to the caller's tenant")
	}

	_, err := runGate(t, mw, colleague)
	assertCode(t, err, CodePolicyDenied)

	lookedUpTenant = uuid.Nil
	if reached, err := runGate(t, mw, admin); err != nil || !reached {
		t.Fatalf("admin should bypass, got %v", err)
	}
	if lookedUpTenant != uuid.Nil {
		t.Error("admin bypass must not evaluate the policy")
	}
}

func TestOwnedBy_MissingResourceIsNotFoundEvenForOwner(t *testing.T) {
	id := testIdentity(uuid.New(), []string{RoleDoctor}, "PRESCRIPTION:UPDATE")
	lookup := func(echo.Context, uuid.UUID) (uuid.UUID, error) { return uuid.Nil, ErrNotFound }

	authz := NewAuthorizer(activeTenants())
	_, err := runGate(t, authz.RequirePolicy(OwnedBy(lookup)), id)
	assertCode(t, err, CodeNotFound)
}
