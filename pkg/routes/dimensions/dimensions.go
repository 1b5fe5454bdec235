// Package dimensions exposes the read-only dimension listing endpoints.
package dimensions

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/agroyield/clover/internal/repositories/dimension"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/tracing"
)

// Handler handles dimension endpoints
type Handler struct {
	repo   *dimension.Repository
	logger ectologger.Logger
}

// NewHandler creates a new dimension handler
func NewHandler(repo *dimension.Repository, logger ectologger.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

// Register registers dimension routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:kind", h.List)
}

// List returns all dimensions of a kind ordered by name
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "dimensions.Handler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	kind := models.DimensionKind(c.Param("kind"))
	if !kind.IsValid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "kind must be one of state, crop, season")
	}

	dims, err := h.repo.List(ctx, kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.DimensionListResponse{Kind: kind, Items: dims})
}
