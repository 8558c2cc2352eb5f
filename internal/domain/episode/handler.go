package episode

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oncopharm/cdss/internal/platform/auth"
	"github.com/oncopharm/cdss/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePharmacist))
	g.GET("/patients/:id/episodes", h.ListByPatient)
}

// PersonIDParam parses the :id path parameter as a positive person id.
func PersonIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// StoreHTTPError maps store failures to HTTP errors.
func StoreHTTPError(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if errors.Is(err, ErrInvalidEpisode) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := PersonIDParam(c)
	if err != nil {
		return err
	}
	items, err := h.store.ListByPatient(c.Request().Context(), id)
	if err != nil {
		return StoreHTTPError(err)
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"person_id": id,
		"total":     len(items),
		"limit":     p.Limit,
		"offset":    p.Offset,
		"has_more":  p.HasNext(len(items)),
		"links":     p.Links(c.Request().URL.Path, len(items)),
		"episodes":  pagination.Slice(items, p),
	})
}
