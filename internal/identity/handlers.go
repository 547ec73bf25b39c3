package identity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for identity links.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new identity handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up the public lookup route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/identities/:identity/link", h.GetLink)
}

// RegisterAdminRoutes sets up link management. Callers add auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/identities", h.PutLink)
}

// GetLink handles GET /v1/identities/:identity/link
func (h *Handler) GetLink(c *gin.Context) {
	l, err := h.resolver.Lookup(c.Request.Context(), c.Param("identity"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": l})
}

// PutLink handles PUT /v1/admin/identities
func (h *Handler) PutLink(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet and steamId are required",
		})
		return
	}

	l, err := h.resolver.Link(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": l})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotLinked):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_linked", "message": err.Error()})
	case errors.Is(err, ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity", "message": err.Error()})
	case errors.Is(err, ErrAlreadyLinked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_linked", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
