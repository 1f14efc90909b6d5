package sync

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalsync/vitalsync/internal/domain/connection"
	"github.com/vitalsync/vitalsync/internal/platform/fhir"
	"github.com/vitalsync/vitalsync/pkg/pagination"
)

type Handler struct {
	orch      *Orchestrator
	runs      RunRepository
	resources ResourceRepository
}

func NewHandler(orch *Orchestrator, runs RunRepository, resources ResourceRepository) *Handler {
	return &Handler{orch: orch, runs: runs, resources: resources}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/connections/:id/sync", h.StartSync)
	api.GET("/connections/:id/sync-runs", h.ListRuns)
	api.GET("/connections/:id/resources", h.ListResources)
	api.GET("/connections/:id/resources/export", h.ExportResources)
	api.GET("/sync-runs/:id", h.GetRun)
	api.POST("/sync-runs/:id/cancel", h.CancelRun)
}

type startSyncRequest struct {
	Mode  string   `json:"mode"`
	Types []string `json:"types"`
}

func (h *Handler) StartSync(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req startSyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	run, err := h.orch.StartSync(c.Request().Context(), id, req.Mode, req.Types)
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		case errors.Is(err, connection.ErrNotActive):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidMode):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, run)
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.runs.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sync run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.runs.ListByConnection(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListResources(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.resources.ListByConnection(c.Request().Context(), id, c.QueryParam("type"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ExportResources streams the connection's stored payloads as NDJSON, the
// same shape bulk exports arrive in. An optional type query narrows the
// stream to one resource type.
func (h *Handler) ExportResources(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	resourceType := c.QueryParam("type")

	c.Response().Header().Set(echo.HeaderContentType, "application/fhir+ndjson")
	c.Response().WriteHeader(http.StatusOK)

	w := fhir.NewNDJSONWriter(c.Response())
	const page = 500
	for offset := 0; ; offset += page {
		items, _, err := h.resources.ListByConnection(c.Request().Context(), id, resourceType, page, offset)
		if err != nil {
			return err
		}
		for _, res := range items {
			if err := w.WriteResource(res.Raw); err != nil {
				return err
			}
		}
		if len(items) < page {
			break
		}
	}
	return w.Flush()
}

func (h *Handler) CancelRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.orch.CancelSync(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "sync run not found")
		case errors.Is(err, ErrRunTerminal):
			return echo.NewHTTPError(http.StatusConflict, "sync run already terminal")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, run)
}
