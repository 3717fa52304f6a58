package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/pkg/pagination"
)

// Handler exposes subscription management over echo.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.POST("/deliveries/:id/retry", h.Retry)
}

type subscriptionRequest struct {
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	PartnerID string   `json:"partner_id"`
	Events    []string `json:"events"`
	Status    string   `json:"status"`
}

func httpError(err error) error {
	return echo.NewHTTPError(interop.HTTPStatus(err), err.Error())
}

func (h *Handler) Create(c echo.Context) error {
	var req subscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.manager.Subscribe(c.Request().Context(), req.URL, req.Secret, req.PartnerID, req.Events)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	subs, total, err := h.manager.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	for _, s := range subs {
		s.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(subs, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) Get(c echo.Context) error {
	sub, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	sub.Secret = ""
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Update(c echo.Context) error {
	var req subscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.manager.Update(c.Request().Context(), c.Param("id"), Subscription{
		URL:       req.URL,
		Events:    req.Events,
		PartnerID: req.PartnerID,
		Status:    req.Status,
	})
	if err != nil {
		return httpError(err)
	}
	sub.Secret = ""
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	d, err := h.manager.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	ds, total, err := h.manager.Deliveries(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ds, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) Pause(c echo.Context) error {
	sub, err := h.manager.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": sub.ID, "status": sub.Status})
}

func (h *Handler) Resume(c echo.Context) error {
	sub, err := h.manager.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": sub.ID, "status": sub.Status})
}

func (h *Handler) Retry(c echo.Context) error {
	d, err := h.manager.Redeliver(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}
