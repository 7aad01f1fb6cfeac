package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin API on api, which must already be behind
// Authenticate.
func (h *Handler) RegisterRoutes(api *echo.Group, authz *auth.Authorizer) {
	api.PATCH("/tenants/:id/status", h.UpdateTenantStatus,
		authz.Authorize(auth.NewPermission(auth.ResourceTenant, auth.ActionManage)))

	api.GET("/staff", h.ListStaff,
		authz.Authorize(auth.NewPermission(auth.ResourceStaff, auth.ActionRead)))
	api.PATCH("/staff/:id/status", h.UpdateStaffStatus,
		authz.Authorize(auth.NewPermission(auth.ResourceStaff, auth.ActionUpdate)))

	api.GET("/roles", h.ListRoles,
		authz.Authorize(auth.NewPermission(auth.ResourceRole, auth.ActionRead)))
	api.POST("/roles", h.CreateRole,
		authz.Authorize(auth.NewPermission(auth.ResourceRole, auth.ActionCreate)))
}

func caller(c echo.Context) (auth.Identity, error) {
	id, ok := auth.CurrentIdentity(c)
	if !ok {
		return auth.Identity{}, auth.Unauthorized("Authentication required")
	}
	return id, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, auth.InvalidRequest("Invalid id")
	}
	return id, nil
}

// -- Tenant Handlers --

func (h *Handler) UpdateTenantStatus(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	tenantID, err := pathID(c)
	if err != nil {
		return err
	}
	var req TenantStatusRequest
	if err := c.Bind(&req); err != nil {
		return auth.InvalidRequest("Invalid request body")
	}
	tenant, err := h.svc.UpdateTenantStatus(c.Request().Context(), id, tenantID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": tenant})
}

// -- Staff Handlers --

func (h *Handler) ListStaff(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	filter := StaffFilter{
		Status:     auth.StaffStatus(c.QueryParam("status")),
		Department: c.QueryParam("department"),
	}
	staff, total, err := h.svc.ListStaff(c.Request().Context(), id, filter, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if staff == nil {
		staff = []*auth.Staff{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(staff, total, p.Limit, p.Offset))
}

func (h *Handler) UpdateStaffStatus(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	staffID, err := pathID(c)
	if err != nil {
		return err
	}
	var req StaffStatusRequest
	if err := c.Bind(&req); err != nil {
		return auth.InvalidRequest("Invalid request body")
	}
	result, err := h.svc.UpdateStaffStatus(c.Request().Context(), id, staffID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": result})
}

// -- Role Handlers --

func (h *Handler) ListRoles(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	roles, err := h.svc.ListRoles(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if roles == nil {
		roles = []*auth.Role{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": roles})
}

func (h *Handler) CreateRole(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	var req CreateRoleRequest
	if err := c.Bind(&req); err != nil {
		return auth.InvalidRequest("Invalid request body")
	}
	role, err := h.svc.CreateRole(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"data": role})
}
