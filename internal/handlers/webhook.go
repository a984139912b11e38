package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

// WebhookHandler is the public-facing receiver providers deliver to. It must
// answer fast; everything slow happens in the worker.
type WebhookHandler struct {
	ingestor *events.Ingestor
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor *events.Ingestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// RegisterRoutes registers the webhook routes. These are unauthenticated;
// the providers cannot carry our credentials.
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhooks/:provider", h.Receive)
	g.POST("/webhooks/:provider", h.Receive)
	g.POST("/webhooks/:provider/:subscription_id", h.ReceivePush)
}

// Receive handles provider deliveries. A validation handshake (the
// validationToken query parameter) is echoed back verbatim as plain text and
// writes nothing; everything else is treated as a notification envelope.
func (h *WebhookHandler) Receive(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}
	if c.Request().Method == http.MethodGet {
		return BadRequest("missing validationToken")
	}

	ctx := c.Request().Context()

	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		return BadRequest("unknown provider")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return BadRequest("failed to read request body")
	}

	result, err := h.ingestor.IngestNotifications(ctx, provider, body)
	if err != nil {
		return err
	}

	// 202 on success regardless of duplicates so the provider stops
	// redelivering.
	return AcceptedResponse(c, result)
}

// ReceivePush handles Pub/Sub push deliveries addressed to one subscription
func (h *WebhookHandler) ReceivePush(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	ctx := c.Request().Context()

	subscriptionID, err := ParseUUID(c, "subscription_id")
	if err != nil {
		return err
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return BadRequest("failed to read request body")
	}

	result, err := h.ingestor.IngestPubSubPush(ctx, subscriptionID, body)
	if err != nil {
		return err
	}

	return AcceptedResponse(c, result)
}
