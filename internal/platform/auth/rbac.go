package auth

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/audit"
)

// Authorizer builds the per-route access checks: a permission match
// followed by a fresh tenant-activity check, and optional policies.
type Authorizer struct {
	tenants  TenantStatusReader
	events   audit.Emitter
	recorder Recorder
	logger   zerolog.Logger
}

type AuthorizerOption func(*Authorizer)

func WithAuthorizerEvents(e audit.Emitter) AuthorizerOption {
	return func(a *Authorizer) { a.events = e }
}

func WithAuthorizerRecorder(r Recorder) AuthorizerOption {
	return func(a *Authorizer) { a.recorder = r }
}

func WithAuthorizerLogger(l zerolog.Logger) AuthorizerOption {
	return func(a *Authorizer) { a.logger = l }
}

func NewAuthorizer(tenants TenantStatusReader, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		tenants:  tenants,
		events:   audit.Discard,
		recorder: nopRecorder{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize requires perm.
func (a *Authorizer) Authorize(perm Permission) echo.MiddlewareFunc {
	return a.AuthorizeAll(perm)
}

// AuthorizeAny requires at least one of perms.
func (a *Authorizer) AuthorizeAny(perms ...Permission) echo.MiddlewareFunc {
	return a.gate("any", perms, func(id Identity) *Error {
		for _, p := range perms {
			if id.HasPermission(p) {
				return nil
			}
		}
		return PermissionDenied("Missing required permission: one of " + strings.Join(PermissionStrings(perms), ", "))
	})
}

// AuthorizeAll requires every one of perms.
func (a *Authorizer) AuthorizeAll(perms ...Permission) echo.MiddlewareFunc {
	return a.gate("all", perms, func(id Identity) *Error {
		for _, p := range perms {
			if !id.HasPermission(p) {
				return PermissionDenied("Missing required permission: " + p.String())
			}
		}
		return nil
	})
}

func (a *Authorizer) gate(check string, perms []Permission, rbac func(Identity) *Error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := CurrentIdentity(c)
			if !ok {
				a.recorder.Authorization(check, string(CodeUnauthorized))
				return Unauthorized("Authentication required")
			}
			if err := rbac(id); err != nil {
				a.emitDenied(c, id, audit.EventPermissionDenied, map[string]any{
					"required": PermissionStrings(perms),
					"mode":     check,
				})
				a.recorder.Authorization(check, string(err.Code))
				return err
			}
			if err := a.tenantActive(c, id); err != nil {
				a.recorder.Authorization(check, outcomeOf(err))
				return err
			}
			a.recorder.Authorization(check, "success")
			return next(c)
		}
	}
}

// tenantActive re-reads the tenant so that a suspension applies to sessions
// issued before it.
func (a *Authorizer) tenantActive(c echo.Context, id Identity) error {
	tenant, err := a.tenants.GetTenant(c.Request().Context(), id.TenantID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TenantInactive(msgTenantNotFound)
		}
		a.logger.Error().Err(err).Str("tenant_id", id.TenantID().String()).Msg("tenant status lookup failed")
		return Unavailable(err)
	}
	if !tenant.Status.IsActive() {
		return TenantInactive(msgTenantNotActive)
	}
	return nil
}

func (a *Authorizer) emitDenied(c echo.Context, id Identity, eventType string, detail map[string]any) {
	detail["method"] = c.Request().Method
	detail["path"] = c.Path()
	a.events.Emit(audit.Event{
		Type:     eventType,
		Severity: audit.SeverityMedium,
		UserID:   id.UserID().String(),
		TenantID: id.TenantID().String(),
		SourceIP: c.RealIP(),
		Detail:   detail,
	})
}
