package bulkexport

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalsync/vitalsync/internal/domain/connection"
	"github.com/vitalsync/vitalsync/pkg/pagination"
)

type Handler struct {
	manager *Manager
	jobs    JobRepository
}

func NewHandler(manager *Manager, jobs JobRepository) *Handler {
	return &Handler{manager: manager, jobs: jobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/connections/:id/export", h.Initiate)
	api.GET("/connections/:id/export-jobs", h.ListJobs)
	api.GET("/export-jobs/:id", h.GetJob)
	api.POST("/export-jobs/:id/poll", h.PollJob)
	api.POST("/export-jobs/:id/materialize", h.MaterializeJob)
}

type initiateRequest struct {
	Scope   string     `json:"scope"`
	GroupID string     `json:"group_id"`
	Types   []string   `json:"types"`
	Since   *time.Time `json:"since"`
}

func (h *Handler) Initiate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req := initiateRequest{Scope: ScopePatient}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := h.manager.Initiate(c.Request().Context(), id, req.Scope, req.GroupID, req.Types, req.Since)
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		case errors.Is(err, connection.ErrNotActive):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidScope):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrKickoffRejected):
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	job, err := h.jobs.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "export job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) ListJobs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.jobs.ListByConnection(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) PollJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	job, err := h.manager.Poll(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "export job not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) MaterializeJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	result, err := h.manager.Materialize(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "export job not found")
		case errors.Is(err, ErrJobNotCompleted):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, result)
}
