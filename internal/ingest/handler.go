package ingest

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oncopharm/cdss/internal/domain/episode"
	"github.com/oncopharm/cdss/internal/platform/auth"
)

type Handler struct {
	gateway *Gateway
}

func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleIntegration))
	g.POST("/integrate/lab-result", h.SubmitLabResult)
	g.POST("/hl7v2/ingest", h.IngestHL7)
}

func respond(c echo.Context, res Result) error {
	if res.Status == StatusRejected {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitLabResult(c echo.Context) error {
	var p LabResultPayload
	if err := c.Bind(&p); err != nil {
		return respond(c, rejected(&ValidationError{Field: "payload", Reason: "is not valid JSON of the expected types"}))
	}
	res, err := h.gateway.Submit(c.Request().Context(), p)
	if err != nil {
		return episode.StoreHTTPError(err)
	}
	return respond(c, res)
}

func (h *Handler) IngestHL7(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	res, err := h.gateway.IngestHL7(c.Request().Context(), "http", raw)
	if err != nil {
		return episode.StoreHTTPError(err)
	}
	return respond(c, res)
}
