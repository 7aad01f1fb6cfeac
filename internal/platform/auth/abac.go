package auth

import (
	"errors"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/audit"
)

// Policy is a resource-level check run after Authorize. Returning an error
// wrapping ErrNotFound yields 404 so that resources outside the caller's
// tenant cannot be probed.
type Policy func(c echo.Context, id Identity) (bool, error)

// RequirePolicy denies the request with POLICY_DENIED when policy returns
// false.
func (a *Authorizer) RequirePolicy(policy Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := CurrentIdentity(c)
			if !ok {
				return Unauthorized("Authentication required")
			}

			allowed, err := policy(c, id)
			if err != nil {
				var ae *Error
				switch {
				case errors.Is(err, ErrNotFound):
					a.recorder.Authorization("policy", string(CodeNotFound))
					return NotFound("Resource not found")
				case errors.As(err, &ae):
					a.recorder.Authorization("policy", string(ae.Code))
					return ae
				}
				a.recorder.Authorization("policy", string(CodeInternal))
				return Internal(err)
			}
			if !allowed {
				a.emitDenied(c, id, audit.EventPolicyDenied, map[string]any{})
				a.recorder.Authorization("policy", string(CodePolicyDenied))
				return PolicyDenied()
			}
			a.recorder.Authorization("policy", "success")
			return next(c)
		}
	}
}

// AdminBypass allows admin roles through without evaluating policy.
func AdminBypass(policy Policy) Policy {
	return func(c echo.Context, id Identity) (bool, error) {
		if id.IsAdmin() {
			return true, nil
		}
		return policy(c, id)
	}
}

// OwnerLookup returns the staff id owning the resource addressed by c,
// scoped to tenantID. It returns ErrNotFound when the resource does not
// exist in that tenant.
type OwnerLookup func(c echo.Context, tenantID uuid.UUID) (uuid.UUID, error)

// OwnedBy allows the request when the caller's staff id owns the resource.
func OwnedBy(lookup OwnerLookup) Policy {
	return func(c echo.Context, id Identity) (bool, error) {
		owner, err := lookup(c, id.TenantID())
		if err != nil {
			return false, err
		}
		return owner == id.StaffID(), nil
	}
}
