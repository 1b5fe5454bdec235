// Package audit exposes the read-only audit trail endpoints.
package audit

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/agroyield/clover/internal/services/observation"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/tracing"
)

// Handler handles audit trail endpoints
type Handler struct {
	service *observation.Service
	logger  ectologger.Logger
}

// NewHandler creates a new audit handler
func NewHandler(service *observation.Service, logger ectologger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register registers audit routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
}

// List returns audit entries, most recent first. subject_id narrows the
// listing to one record's history.
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "audit.Handler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	filter := models.AuditFilter{
		SubjectID: c.QueryParam("subject_id"),
	}
	if val := c.QueryParam("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	if val := c.QueryParam("offset"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filter.Offset = n
	}

	resp, err := h.service.ListAudit(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
