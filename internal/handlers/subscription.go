package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/subscriptions"
)

// SubscriptionHandler handles webhook subscription API requests
type SubscriptionHandler struct {
	manager *subscriptions.Manager
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(manager *subscriptions.Manager) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager}
}

// RegisterRoutes registers the subscription routes
func (h *SubscriptionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/credentials/:id/subscriptions", h.Create)
	g.GET("/credentials/:id/subscriptions", h.List)

	subs := g.Group("/subscriptions")
	subs.GET("/:id", h.Get)
	subs.POST("/:id/renew", h.Renew)
	subs.DELETE("/:id", h.Delete)
}

// Create handles POST /credentials/:id/subscriptions
func (h *SubscriptionHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	credentialID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req subscriptions.CreateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	req.CredentialID = credentialID

	subscription, err := h.manager.Create(ctx, req)
	if err != nil {
		return err
	}

	return CreatedResponse(c, subscription)
}

// List handles GET /credentials/:id/subscriptions
func (h *SubscriptionHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	credentialID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	subs, err := h.manager.ListByCredential(ctx, credentialID)
	if err != nil {
		return err
	}

	return SuccessResponse(c, subs)
}

// Get handles GET /subscriptions/:id
func (h *SubscriptionHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	subscription, err := h.manager.Get(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, subscription)
}

// Renew handles POST /subscriptions/:id/renew. The sweep renews on its own;
// this exists so an operator can force a renewal while debugging.
func (h *SubscriptionHandler) Renew(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	subscription, err := h.manager.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := h.manager.Renew(ctx, subscription); err != nil {
		return err
	}

	return h.Get(c)
}

// Delete handles DELETE /subscriptions/:id
func (h *SubscriptionHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.manager.Delete(ctx, id); err != nil {
		return err
	}

	return NoContentResponse(c)
}
