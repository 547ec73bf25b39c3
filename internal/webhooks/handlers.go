package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/skinsettle/internal/idgen"
	"github.com/mbd888/skinsettle/internal/security"
)

const maxIdentities = 50

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store     Store
	endpoints security.EndpointPolicy
	now       func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, endpoints security.EndpointPolicy) *Handler {
	return &Handler{store: store, endpoints: endpoints, now: time.Now}
}

// RegisterAdminRoutes sets up webhook routes. The group must already be
// guarded by auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/activate", h.ActivateWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL        string   `json:"url" binding:"required"`
	Events     []string `json:"events" binding:"required"`
	Identities []string `json:"identities"`
}

// CreateWebhook handles POST /admin/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and at least one event are required",
		})
		return
	}
	for _, e := range req.Events {
		if !ValidEvent(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "unknown event type: " + e,
			})
			return
		}
	}
	if len(req.Identities) > maxIdentities {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many identities"})
		return
	}
	if err := h.endpoints.Validate(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to generate secret"})
		return
	}
	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		URL:        req.URL,
		Secret:     secret,
		Events:     req.Events,
		Identities: req.Identities,
		Active:     true,
		CreatedAt:  h.now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(secret, timestamp + \".\" + body), hex, prefixed sha256=",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /admin/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /admin/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ActivateWebhook re-enables a subscription that was switched off after
// repeated delivery failures.
func (h *Handler) ActivateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load webhook"})
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	if err := h.store.Update(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
