// Package records exposes the observation record endpoints.
package records

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/agroyield/clover/internal/services/observation"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/tracing"
)

var validate = validator.New()

// Handler handles observation record endpoints
type Handler struct {
	service *observation.Service
	logger  ectologger.Logger
}

// NewHandler creates a new record handler
func NewHandler(service *observation.Service, logger ectologger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register registers record routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/latest", h.GetLatest)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

// Create accepts a new observation and runs it through the write pipeline
func (h *Handler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.Create")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	var req models.CreateRecordRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := h.service.Create(ctx, req.ObservationInput)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// Get returns a record by id
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.Get")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	rec, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.RecordResponse{Record: *rec})
}

// GetLatest returns the most recently created record
func (h *Handler) GetLatest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.GetLatest")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	rec, err := h.service.GetLatest(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.RecordResponse{Record: *rec})
}

// List returns records matching the query filters
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	filter := models.RecordFilter{
		State: c.QueryParam("state"),
		Crop:  c.QueryParam("crop"),
	}
	if yearStr := c.QueryParam("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		filter.Year = year
	}
	var err error
	if filter.Limit, err = intQueryParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intQueryParam(c, "offset"); err != nil {
		return err
	}

	resp, err := h.service.List(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Update replaces a record in full
func (h *Handler) Update(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.Update")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	var req models.UpdateRecordRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := h.service.Update(ctx, c.Param("id"), req.ObservationInput)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Delete removes a record
func (h *Handler) Delete(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "records.Handler.Delete")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	if err := h.service.Delete(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// intQueryParam parses a non-negative pagination parameter. Absent means
// zero; malformed or negative input is a hard reject.
func intQueryParam(c echo.Context, name string) (int, error) {
	val := c.QueryParam(name)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}
