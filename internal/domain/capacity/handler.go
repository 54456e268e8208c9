package capacity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/admissions/internal/platform/auth"
)

type Handler struct {
	monitor *Monitor
	store   SettingsStore
}

func NewHandler(monitor *Monitor, store SettingsStore) *Handler {
	return &Handler{monitor: monitor, store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.GET("/capacity", h.GetStatus)
	api.GET("/capacity/settings", h.GetSettings)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.PUT("/capacity/settings", h.UpdateSettings)
}

// statusResponse is the body of GET /capacity.
type statusResponse struct {
	Snapshot      Snapshot `json:"snapshot"`
	Settings      Settings `json:"settings"`
	Running       bool     `json:"running"`
	DroppedEvents uint64   `json:"dropped_events"`
	FailedSamples uint64   `json:"failed_samples"`
}

// GetStatus returns the last snapshot, measuring on demand before the first
// scheduled sample lands.
func (h *Handler) GetStatus(c echo.Context) error {
	snap, ok := h.monitor.Current()
	if !ok {
		var err error
		snap, err = h.monitor.Measure(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "capacity unavailable")
		}
	}
	return c.JSON(http.StatusOK, statusResponse{
		Snapshot:      snap,
		Settings:      h.monitor.Settings(),
		Running:       h.monitor.Running(),
		DroppedEvents: h.monitor.Dropped(),
		FailedSamples: h.monitor.Failures(),
	})
}

func (h *Handler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Settings())
}

// UpdateSettings replaces the settings, persists them and restarts the
// monitor. Thresholds are normalized before saving.
func (h *Handler) UpdateSettings(c echo.Context) error {
	var s Settings
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if s.Interval < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "interval must be positive")
	}
	s = s.Normalize()
	if err := h.store.Save(c.Request().Context(), s); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "settings store unavailable")
	}
	return c.JSON(http.StatusOK, h.monitor.Reconfigure(s))
}
