package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", h.Me)
}

// RegisterAdminRoutes sets up key management routes. The group must
// already be guarded by RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/api-keys", h.CreateKey)
	r.GET("/api-keys", h.ListKeys)
	r.DELETE("/api-keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API keys are issued per operator by an administrator. Store them securely.",
		"publicEndpoints": []string{
			"GET /v1/settlements/:settlementId",
			"GET /v1/identities/:identity/settlements",
			"GET /v1/receipts/:settlementId",
			"GET /v1/identities/:identity",
		},
		"protectedEndpoints": []string{
			"POST /v1/settlements",
		},
	})
}

// Me describes the key used for the request.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Operator   string `json:"operator" binding:"required"`
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// CreateKey mints a new API key for an operator
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "operator is required and ttlSeconds must not be negative",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Operator key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Operator, req.Name, time.Duration(req.TTLSeconds)*time.Second)
	if errors.Is(err, ErrInvalidOwner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns the keys of ?operator=
func (h *Handler) ListKeys(c *gin.Context) {
	operator := c.Query("operator")
	if operator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "operator query parameter required"})
		return
	}
	keys, err := h.manager.ListKeys(c.Request.Context(), operator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	key, err := h.manager.RevokeKey(c.Request.Context(), keyID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "key": key})
}
