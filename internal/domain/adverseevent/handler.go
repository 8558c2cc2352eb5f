package adverseevent

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oncopharm/cdss/internal/platform/auth"
)

type Handler struct {
	detector *Detector
}

func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePharmacist))
	g.POST("/ae/analyze", h.Analyze)
	g.GET("/ae/terminology", h.Terminology)
}

type analyzeRequest struct {
	Text string `json:"text"`
}

func (h *Handler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	findings := h.detector.Analyze(req.Text)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":    len(findings),
		"findings": findings,
	})
}

func (h *Handler) Terminology(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"terms": h.detector.Terminology().Entries(),
	})
}
