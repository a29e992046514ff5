package batch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/sleepetl/internal/platform/metrics"
	"github.com/ehr/sleepetl/internal/platform/runlock"
	"github.com/ehr/sleepetl/pkg/pagination"
)

const (
	TriggerPath = "/api/etl/sleepimpressions"
	RunsPath    = "/api/etl/runs"
)

// Runner is the part of Service the trigger endpoint needs.
type Runner interface {
	Run(ctx context.Context, trigger string) (*Summary, error)
}

type Handler struct {
	runner  Runner
	runs    RunRepository
	missing func() []string
	metrics *metrics.ETLMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHandler builds the ETL endpoints. missing reports unset required
// configuration; a non-empty result fails the trigger before any work. runs
// may be nil when no database is configured.
func NewHandler(runner Runner, runs RunRepository, missing func() []string, m *metrics.ETLMetrics, logger zerolog.Logger) *Handler {
	if missing == nil {
		missing = func() []string { return nil }
	}
	return &Handler{
		runner:  runner,
		runs:    runs,
		missing: missing,
		metrics: m,
		logger:  logger.With().Str("component", "etl_handler").Logger(),
		now:     time.Now,
	}
}

// nonPostMethods answer 405 on the trigger path without passing through the
// trigger middleware.
var nonPostMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace,
}

// RegisterRoutes mounts the endpoints on e. Middleware given in trigger is
// applied to POST on the trigger route only.
func (h *Handler) RegisterRoutes(e *echo.Echo, trigger ...echo.MiddlewareFunc) {
	e.POST(TriggerPath, h.Trigger, trigger...)
	e.Match(nonPostMethods, TriggerPath, h.MethodNotAllowed)
	e.GET(RunsPath, h.ListRuns)
	e.GET(RunsPath+"/:id", h.GetRun)
}

func (h *Handler) MethodNotAllowed(c echo.Context) error {
	c.Response().Header().Set("Allow", http.MethodPost)
	return h.fail(c, http.StatusMethodNotAllowed, "method not allowed", nil)
}

// Trigger runs one batch synchronously.
func (h *Handler) Trigger(c echo.Context) error {
	if missing := h.missing(); len(missing) > 0 {
		h.logger.Error().Strs("missing", missing).Msg("trigger refused: configuration incomplete")
		return h.fail(c, http.StatusInternalServerError, "missing required configuration", missing)
	}

	sum, err := h.runner.Run(c.Request().Context(), TriggerHTTP)
	switch {
	case errors.Is(err, runlock.ErrLocked):
		return h.fail(c, http.StatusConflict, "a batch is already running", nil)
	case err != nil:
		return h.fail(c, http.StatusInternalServerError, err.Error(), nil)
	}
	h.metrics.ObserveTrigger(strconv.Itoa(http.StatusOK))
	return c.JSON(http.StatusOK, sum.Response())
}

func (h *Handler) fail(c echo.Context, code int, msg string, missing []string) error {
	h.metrics.ObserveTrigger(strconv.Itoa(code))
	return c.JSON(code, FailureResponse{
		Success:   false,
		Error:     msg,
		Missing:   missing,
		Timestamp: h.now().UTC(),
	})
}

func (h *Handler) ListRuns(c echo.Context) error {
	if h.runs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run log unavailable")
	}
	pg := pagination.FromContext(c)
	runs, total, err := h.runs.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, r := range runs {
		r.Summary = nil
	}
	if runs == nil {
		runs = []*Run{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg.Limit, pg.Offset).WithLinks(RunsPath))
}

func (h *Handler) GetRun(c echo.Context) error {
	if h.runs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run log unavailable")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.runs.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}
