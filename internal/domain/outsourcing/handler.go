package outsourcing

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labnet/labnet/internal/platform/auth"
	"github.com/labnet/labnet/internal/platform/db"
	"github.com/labnet/labnet/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleManager, auth.RoleTechnician, auth.RoleFrontDesk))
	read.GET("/collaborations", h.ListCollaborations)
	read.GET("/collaborations/:id", h.GetCollaboration)
	read.GET("/collaborations/:id/trackers", h.ListTrackers)
	read.GET("/collaborations/:id/patients", h.GroupByPatient)
	read.GET("/trackers/:id", h.GetTracker)

	work := api.Group("", auth.RequireRole(auth.RoleManager, auth.RoleTechnician))
	work.POST("/collaborations/:id/trackers", h.MarkForSend)
	work.POST("/trackers/:id/transitions", h.RequestTransition)
	work.PUT("/trackers/:id/patient-at-client", h.SetPatientIDAtClient)

	manage := api.Group("", auth.RequireRole(auth.RoleManager))
	manage.POST("/collaborations", h.Register)
	manage.POST("/collaborations/:id/deactivate", h.Deactivate)
	manage.POST("/collaborations/:id/reconcile", h.Reconcile)
}

// -- Collaborations --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	collab, err := h.engine.Registry().Register(ctx, db.TenantFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, collab)
}

func (h *Handler) ListCollaborations(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("active") == "true"
	items, total, err := h.engine.Registry().List(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetCollaboration(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	collab, err := h.engine.Registry().Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, collab)
}

func (h *Handler) Deactivate(c echo.Context) error {
	caller, id, err := h.collabCaller(c)
	if err != nil {
		return err
	}
	collab, warnings, err := h.engine.Registry().Deactivate(c.Request().Context(), caller, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"collaboration": collab,
		"warnings":      nonNil(warnings),
	})
}

func (h *Handler) Reconcile(c echo.Context) error {
	caller, id, err := h.collabCaller(c)
	if err != nil {
		return err
	}
	res, err := h.engine.Reconcile(c.Request().Context(), caller, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Trackers --

type markForSendRequest struct {
	PatientID uuid.UUID   `json:"patient_id"`
	TestIDs   []uuid.UUID `json:"test_ids"`
}

func (h *Handler) MarkForSend(c echo.Context) error {
	caller, id, err := h.collabCaller(c)
	if err != nil {
		return err
	}
	var req markForSendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	recs, err := h.engine.MarkForSend(c.Request().Context(), caller, id, req.PatientID, req.TestIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, recs)
}

func (h *Handler) ListTrackers(c echo.Context) error {
	caller, id, err := h.collabCaller(c)
	if err != nil {
		return err
	}
	var f TrackerFilter
	if s := c.QueryParam("status"); s != "" {
		st, err := ParseState(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.State = st
	}
	if p := c.QueryParam("patient_id"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.ListByCollaboration(c.Request().Context(), caller, id, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GroupByPatient(c echo.Context) error {
	caller, id, err := h.collabCaller(c)
	if err != nil {
		return err
	}
	groups, err := h.engine.GroupByPatient(c.Request().Context(), caller, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (h *Handler) GetTracker(c echo.Context) error {
	caller, id, err := h.trackerCaller(c)
	if err != nil {
		return err
	}
	rec, err := h.engine.GetTracker(c.Request().Context(), caller, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type transitionRequest struct {
	Kind    string  `json:"kind"`
	Remarks *string `json:"remarks,omitempty"`
}

func (h *Handler) RequestTransition(c echo.Context) error {
	var body transitionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind, err := ParseTransitionKind(body.Kind)
	if err != nil {
		return httpError(err)
	}
	caller, id, err := h.trackerCaller(c)
	if err != nil {
		return err
	}
	res, err := h.engine.RequestTransition(c.Request().Context(), caller, TransitionRequest{
		TrackerID: id,
		Kind:      kind,
		Remarks:   body.Remarks,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type patientAtClientRequest struct {
	PatientIDAtClient uuid.UUID `json:"patient_id_at_client"`
}

func (h *Handler) SetPatientIDAtClient(c echo.Context) error {
	var body patientAtClientRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	caller, id, err := h.trackerCaller(c)
	if err != nil {
		return err
	}
	rec, warnings, err := h.engine.SetPatientIDAtClient(c.Request().Context(), caller, id, body.PatientIDAtClient)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"record":   rec,
		"warnings": nonNil(warnings),
	})
}

// -- helpers --

func (h *Handler) collabCaller(c echo.Context) (Caller, uuid.UUID, error) {
	return h.resolve(c, func(ctx context.Context, tenant string, id uuid.UUID) (Caller, error) {
		caller, _, err := h.engine.ResolveCaller(ctx, tenant, id)
		return caller, err
	})
}

func (h *Handler) trackerCaller(c echo.Context) (Caller, uuid.UUID, error) {
	return h.resolve(c, h.engine.TrackerCaller)
}

func (h *Handler) resolve(c echo.Context, fn func(context.Context, string, uuid.UUID) (Caller, error)) (Caller, uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return Caller{}, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	caller, err := fn(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return Caller{}, uuid.Nil, httpError(err)
	}
	return caller, id, nil
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotParty):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrCollaborationNotActive),
		errors.Is(err, ErrConflictingTransition),
		errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
