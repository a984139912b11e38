package handlers

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

const defaultEventListLimit = 100

// EventHandler exposes webhook events read-only so operators can inspect
// failed and in-flight work.
type EventHandler struct {
	events repositories.EventRepo
}

// NewEventHandler creates a new event handler
func NewEventHandler(events repositories.EventRepo) *EventHandler {
	return &EventHandler{events: events}
}

// RegisterRoutes registers the event routes
func (h *EventHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/credentials/:id/events", h.List)
	g.GET("/events/:id", h.Get)
}

// List handles GET /credentials/:id/events
func (h *EventHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	credentialID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var status *models.EventStatus
	if s := c.QueryParam("status"); s != "" {
		eventStatus := models.EventStatus(s)
		status = &eventStatus
	}

	limit := defaultEventListLimit
	if l := c.QueryParam("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return BadRequest("limit must be a positive integer")
		}
		limit = parsed
	}

	evts, err := h.events.ListByCredential(ctx, credentialID, status, limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, evts)
}

// Get handles GET /events/:id
func (h *EventHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	event, err := h.events.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, event)
}
