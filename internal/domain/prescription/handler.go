package prescription

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

// RegisterRoutes mounts /prescriptions on api, which must already be behind
// Authenticate. Changing or deleting a prescription is limited to its
// prescriber, or to an admin.
func (h *Handler) RegisterRoutes(api *echo.Group, authz *auth.Authorizer) {
	owner := authz.RequirePolicy(auth.AdminBypass(auth.OwnedBy(h.lookupOwner)))

	g := api.Group("/prescriptions")
	g.GET("", h.List, authz.Authorize(auth.NewPermission(auth.ResourcePrescription, auth.ActionRead)))
	g.POST("", h.Create, authz.Authorize(auth.NewPermission(auth.ResourcePrescription, auth.ActionCreate)))
	g.GET("/:id", h.Get, authz.Authorize(auth.NewPermission(auth.ResourcePrescription, auth.ActionRead)))
	g.PUT("/:id", h.Update, authz.Authorize(auth.NewPermission(auth.ResourcePrescription, auth.ActionUpdate)), owner)
	g.DELETE("/:id", h.Delete, authz.Authorize(auth.NewPermission(auth.ResourcePrescription, auth.ActionDelete)), owner)
}

// lookupOwner treats a malformed id like a missing row so ids cannot be
// probed by shape.
func (h *Handler) lookupOwner(c echo.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, auth.ErrNotFound
	}
	return h.svc.Owner(c.Request().Context(), tenantID, id)
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
		return uuid.Nil, auth.NotFound("Prescription not found")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	var filter Filter
	if v := c.QueryParam("patient"); v != "" {
		if filter.PatientID, err = uuid.Parse(v); err != nil {
			return auth.InvalidRequest("patient must be a UUID")
		}
	}
	if c.QueryParam("mine") == "true" {
		filter.DoctorID = id.StaffID()
	}
	filter.Status = Status(c.QueryParam("status"))

	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), id, filter, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Prescription{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) Create(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return auth.InvalidRequest("Invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"data": p})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	rxID, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id, rxID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": p})
}

func (h *Handler) Update(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	rxID, err := pathID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return auth.InvalidRequest("Invalid request body")
	}
	p, err := h.svc.Update(c.Request().Context(), id, rxID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": p})
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}
	rxID, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id, rxID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
