package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/tokens"
)

// CredentialHandler handles credential API requests
type CredentialHandler struct {
	manager *credentials.Manager
	tokens  *tokens.Manager
}

// NewCredentialHandler creates a new credential handler
func NewCredentialHandler(manager *credentials.Manager, tokens *tokens.Manager) *CredentialHandler {
	return &CredentialHandler{
		manager: manager,
		tokens:  tokens,
	}
}

// RegisterRoutes registers the credential routes
func (h *CredentialHandler) RegisterRoutes(g *echo.Group) {
	creds := g.Group("/credentials")
	creds.POST("", h.Create)
	creds.GET("", h.List)
	creds.GET("/:id", h.Get)
	creds.PUT("/:id", h.Update)
	creds.DELETE("/:id", h.Delete)
	creds.GET("/:id/authorize", h.Authorize)
	creds.POST("/:id/token", h.VendToken)
}

// RegisterCallbackRoutes registers the OAuth callback, which the provider
// calls without our auth.
func (h *CredentialHandler) RegisterCallbackRoutes(g *echo.Group) {
	g.GET("/oauth/callback", h.Callback)
	g.POST("/oauth/callback", h.Callback)
}

// Create handles POST /credentials
func (h *CredentialHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req credentials.CreateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	credential, err := h.manager.Create(ctx, req)
	if err != nil {
		return err
	}

	return CreatedResponse(c, credential)
}

// List handles GET /credentials
func (h *CredentialHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	creds, err := h.manager.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, creds)
}

// Get handles GET /credentials/:id
func (h *CredentialHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	credential, err := h.manager.Get(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, credential)
}

// Update handles PUT /credentials/:id
func (h *CredentialHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req credentials.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	credential, err := h.manager.Update(ctx, id, req)
	if err != nil {
		return err
	}

	return SuccessResponse(c, credential)
}

// Delete handles DELETE /credentials/:id
func (h *CredentialHandler) Delete(c echo.Context) error {
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

// Authorize handles GET /credentials/:id/authorize. It returns the consent
// URL for the operator to open; the UI decides whether to redirect.
func (h *CredentialHandler) Authorize(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	url, err := h.manager.BuildAuthorizationURL(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, map[string]string{"authorization_url": url})
}

// Callback handles the provider's redirect after consent
func (h *CredentialHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if errParam := c.QueryParam("error"); errParam != "" {
		description := c.QueryParam("error_description")
		if description == "" {
			description = errParam
		}
		return h.manager.HandleCallbackDenied(ctx, state, description)
	}

	credential, err := h.manager.HandleCallback(ctx, state, code)
	if err != nil {
		return err
	}

	return SuccessResponse(c, credential)
}

// VendToken handles POST /credentials/:id/token. Internal services call it
// to obtain a short-lived access token without touching the vault.
func (h *CredentialHandler) VendToken(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	token, err := h.tokens.GetValidToken(ctx, id)
	if err != nil {
		if errors.Is(err, tokens.ErrReauthorizationRequired) || errors.Is(err, tokens.ErrNotConnected) {
			return httperror.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}

	return SuccessResponse(c, map[string]any{
		"access_token": token.Token,
		"expires_at":   token.ExpiresAt,
	})
}
