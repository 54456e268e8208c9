package ward

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/admissions/internal/platform/auth"
	"github.com/ehr/admissions/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	// Read endpoints – any authenticated user
	api.GET("/facilities", h.ListFacilities)
	api.GET("/facilities/:id/floors/:floor", h.GetFloor)
	api.GET("/dashboard", h.GetDashboard)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)

	// Facility layout – admin
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/facilities", h.ProvisionFacility)

	// Patient flow – clinical staff; the service applies the finer policy
	staffGroup := api.Group("", auth.RequireRole("doctor", "nurse", "technician"))
	staffGroup.POST("/patients", h.Admit)
	staffGroup.PUT("/patients/:id", h.UpdateClinical)
	staffGroup.DELETE("/patients/:id", h.Discharge)
	staffGroup.POST("/patients/:id/transfer", h.Transfer)
	staffGroup.POST("/patients/:id/referral", h.RequestReferral)
	staffGroup.POST("/patients/:id/referral/approve", h.ApproveReferral)
	staffGroup.POST("/patients/:id/referral/decline", h.DeclineReferral)
	staffGroup.POST("/patients/:id/referral/withdraw", h.WithdrawReferral)
}

// HTTPError maps service errors onto HTTP status codes.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownEnum), errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable").SetInternal(err)
	}
	// The cause stays on Internal for the request log and never reaches the client.
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func roleOf(c echo.Context) Role {
	return ResolveRole(auth.RolesFromContext(c.Request().Context()))
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// placement is the body of transfer and referral requests.
type placement struct {
	FacilityID int64 `json:"facility_id"`
	Floor      int   `json:"floor"`
}

func bindPlacement(c echo.Context) (placement, error) {
	var p placement
	if err := c.Bind(&p); err != nil {
		return p, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p.FacilityID <= 0 || p.Floor <= 0 {
		return p, echo.NewHTTPError(http.StatusBadRequest, "facility_id and floor are required")
	}
	return p, nil
}

// -- Facilities --

func (h *Handler) ListFacilities(c echo.Context) error {
	items, err := h.svc.ListFacilities(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ProvisionFacility(c echo.Context) error {
	var req ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := h.svc.ProvisionFacility(c.Request().Context(), roleOf(c), req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetFloor(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	floor, err := strconv.Atoi(c.Param("floor"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid floor")
	}
	v, err := h.svc.FloorView(c.Request().Context(), id, floor)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := PatientFilter{
		Search: c.QueryParam("search"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if v := c.QueryParam("facility_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		filter.FacilityID = &id
	}
	if v := c.QueryParam("floor"); v != "" {
		floor, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid floor")
		}
		filter.Floor = &floor
	}
	if v := c.QueryParam("severity"); v != "" {
		sev, err := ParseSeverity(v)
		if err != nil {
			return HTTPError(err)
		}
		filter.Severity = &sev
	}
	if v := c.QueryParam("referral_status"); v != "" {
		rs, err := ParseReferralStatus(v)
		if err != nil {
			return HTTPError(err)
		}
		filter.Referral = &rs
	}
	switch PatientSort(c.QueryParam("sort")) {
	case "", SortAdmissionDate:
		filter.Sort = SortAdmissionDate
	case SortUnitLabel:
		filter.Sort = SortUnitLabel
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "sort must be admission_date or unit_label")
	}

	items, total, err := h.svc.ListPatients(c.Request().Context(), filter)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Admit(c echo.Context) error {
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Admit(c.Request().Context(), roleOf(c), req)
	if err != nil {
		return HTTPError(err)
	}
	if !out.Admitted {
		return c.JSON(http.StatusOK, out)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateClinical(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var upd ClinicalUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateClinical(c.Request().Context(), roleOf(c), id, upd)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Discharge(c.Request().Context(), roleOf(c), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := bindPlacement(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Transfer(c.Request().Context(), roleOf(c), id, p.FacilityID, p.Floor)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

// -- Referrals --

func (h *Handler) RequestReferral(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := bindPlacement(c)
	if err != nil {
		return err
	}
	out, err := h.svc.RequestReferral(c.Request().Context(), roleOf(c), id, p.FacilityID, p.Floor)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) ApproveReferral(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	u, err := h.svc.ApproveReferral(c.Request().Context(), roleOf(c), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeclineReferral(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.DeclineReferral(c.Request().Context(), roleOf(c), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) WithdrawReferral(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.WithdrawReferral(c.Request().Context(), roleOf(c), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}
