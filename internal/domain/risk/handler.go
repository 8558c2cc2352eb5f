package risk

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/oncopharm/cdss/internal/domain/adverseevent"
	"github.com/oncopharm/cdss/internal/domain/episode"
	"github.com/oncopharm/cdss/internal/platform/auth"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	care := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePharmacist))
	care.GET("/patients/:id/risk", h.GetRisk)
	care.POST("/patients/:id/risk", h.EvaluateRisk)
	care.GET("/patients/:id/renal", h.GetRenal)
	care.POST("/patients/:id/notes", h.AddNote)

	// Clearing an alert is a clinical decision.
	ack := api.Group("", auth.RequireRole(auth.RoleClinician))
	ack.POST("/patients/:id/acknowledgments", h.Acknowledge)
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return episode.StoreHTTPError(err)
}

func (h *Handler) GetRisk(c echo.Context) error {
	id, err := episode.PersonIDParam(c)
	if err != nil {
		return err
	}
	state, err := h.agg.ComputeRisk(c.Request().Context(), Request{PatientID: id})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

type evaluateRequest struct {
	NoteText string                 `json:"note_text"`
	Findings []adverseevent.Finding `json:"findings"`
}

func (h *Handler) EvaluateRisk(c echo.Context) error {
	id, err := episode.PersonIDParam(c)
	if err != nil {
		return err
	}
	var body evaluateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	state, err := h.agg.ComputeRisk(c.Request().Context(), Request{
		PatientID:        id,
		NoteText:         body.NoteText,
		ExternalFindings: body.Findings,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *Handler) GetRenal(c echo.Context) error {
	id, err := episode.PersonIDParam(c)
	if err != nil {
		return err
	}
	obs, alert, err := h.agg.LatestRenal(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if obs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no renal observation for patient")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"person_id":       id,
		"observation":     obs,
		"renal_alert":     alert,
		"threshold_mg_dl": h.agg.RenalThreshold(),
	})
}

type noteRequest struct {
	Text string `json:"text"`
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := episode.PersonIDParam(c)
	if err != nil {
		return err
	}
	var body noteRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, outcome, err := h.agg.AddNote(c.Request().Context(), id, body.Text)
	if err != nil {
		return httpError(err)
	}
	code := http.StatusCreated
	if outcome == episode.AlreadyExists {
		code = http.StatusOK
	}
	return c.JSON(code, map[string]interface{}{
		"outcome": outcome.String(),
		"episode": e,
	})
}

type ackRequest struct {
	Clinician string `json:"clinician"`
	Reason    string `json:"reason"`
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := episode.PersonIDParam(c)
	if err != nil {
		return err
	}
	var body ackRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	state, err := h.agg.Acknowledge(c.Request().Context(), id, strings.TrimSpace(body.Clinician), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}
