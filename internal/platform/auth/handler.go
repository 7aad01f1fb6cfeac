package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves the /auth endpoints. Every route except /auth/token
// expects Authenticate to have run.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the endpoints on g. tokenMiddleware wraps only the
// token endpoint, typically with a login rate limiter.
func (h *Handler) RegisterRoutes(g *echo.Group, tokenMiddleware ...echo.MiddlewareFunc) {
	g.POST("/token", h.Token, tokenMiddleware...)
	g.POST("/switch-tenant", h.SwitchTenant)
	g.GET("/me", h.Me)
	g.POST("/revoke", h.Revoke)
	g.POST("/logout", h.Logout)
	g.GET("/sessions", h.ListSessions)
	g.POST("/mfa/enroll", h.EnrollMFA)
	g.POST("/mfa/confirm", h.ConfirmMFA)
}

type tokenRequest struct {
	GrantType      string `json:"grant_type" form:"grant_type"`
	Username       string `json:"username" form:"username"`
	Password       string `json:"password" form:"password"`
	TenantID       string `json:"tenant_id" form:"tenant_id"`
	RefreshToken   string `json:"refresh_token" form:"refresh_token"`
	ChallengeToken string `json:"challenge_token" form:"challenge_token"`
	Code           string `json:"code" form:"code"`
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id" form:"tenant_id"`
}

type revokeRequest struct {
	Token string `json:"token" form:"token"`
}

type confirmMFARequest struct {
	Code string `json:"code" form:"code"`
}

func clientMeta(c echo.Context) ClientMeta {
	return ClientMeta{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func requireIdentity(c echo.Context) (Identity, error) {
	id, ok := CurrentIdentity(c)
	if !ok {
		return Identity{}, Unauthorized("No authorization token provided")
	}
	return id, nil
}

func tokenJSON(c echo.Context, resp *TokenResponse) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

// Token handles POST /auth/token for the password, mfa and refresh_token
// grants.
func (h *Handler) Token(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return InvalidRequest("Invalid request body")
	}

	ctx := c.Request().Context()
	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case GrantPassword:
		resp, err = h.svc.PasswordGrant(ctx, PasswordGrantRequest{
			Username: req.Username,
			Password: req.Password,
			TenantID: req.TenantID,
			Client:   clientMeta(c),
		})
	case GrantMFA:
		resp, err = h.svc.MFAGrant(ctx, MFAGrantRequest{
			ChallengeToken: req.ChallengeToken,
			Code:           req.Code,
			Client:         clientMeta(c),
		})
	case GrantRefreshToken:
		resp, err = h.svc.RefreshGrant(ctx, RefreshGrantRequest{
			RefreshToken: req.RefreshToken,
			Client:       clientMeta(c),
		})
	case GrantAuthorizationCode, GrantClientCredentials:
		return InvalidRequest("Grant type not supported")
	default:
		return InvalidGrant("Unknown grant type")
	}
	if err != nil {
		return err
	}
	return tokenJSON(c, resp)
}

// SwitchTenant handles POST /auth/switch-tenant.
func (h *Handler) SwitchTenant(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	var req switchTenantRequest
	if err := c.Bind(&req); err != nil {
		return InvalidRequest("Invalid request body")
	}

	token := TokenFromContext(c.Request().Context())
	resp, err := h.svc.SwitchTenant(c.Request().Context(), id, token, req.TenantID, clientMeta(c))
	if err != nil {
		return err
	}
	return tokenJSON(c, resp)
}

// Me handles GET /auth/me.
func (h *Handler) Me(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	resp, err := h.svc.Me(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Revoke handles POST /auth/revoke.
func (h *Handler) Revoke(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return InvalidRequest("Invalid request body")
	}
	if err := h.svc.Revoke(c.Request().Context(), id, req.Token, clientMeta(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	token := TokenFromContext(c.Request().Context())
	if err := h.svc.Logout(c.Request().Context(), id, token); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSessions handles GET /auth/sessions.
func (h *Handler) ListSessions(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	sessions, err := h.svc.ListSessions(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": sessions})
}

// EnrollMFA handles POST /auth/mfa/enroll.
func (h *Handler) EnrollMFA(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	enrollment, err := h.svc.EnrollMFA(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, map[string]interface{}{"data": enrollment})
}

// ConfirmMFA handles POST /auth/mfa/confirm.
func (h *Handler) ConfirmMFA(c echo.Context) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}
	var req confirmMFARequest
	if err := c.Bind(&req); err != nil {
		return InvalidRequest("Invalid request body")
	}
	if err := h.svc.ConfirmMFA(c.Request().Context(), id, req.Code); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
