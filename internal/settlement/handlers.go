package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/skinsettle/internal/oracle"
	"github.com/mbd888/skinsettle/internal/steam"
)

// Handler provides HTTP endpoints for settlements.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlements/:settlementId", h.GetSettlement)
	r.GET("/identities/:identity/settlements", h.ListByIdentity)
}

// RegisterProtectedRoutes sets up routes that start settlements. Callers add auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/settlements", h.StartSettlement)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/settlements/:settlementId/verify", h.VerifySettlement)
	r.POST("/settlements/reconcile", h.Reconcile)
}

// StartSettlement handles POST /v1/settlements
func (h *Handler) StartSettlement(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "settlementId, sellerIdentity, buyerIdentity and assetId are required",
		})
		return
	}

	res, err := h.service.StartSettlement(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Accepted {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetSettlement handles GET /v1/settlements/:settlementId
func (h *Handler) GetSettlement(c *gin.Context) {
	rec, err := h.service.GetSettlement(c.Request.Context(), c.Param("settlementId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// ListByIdentity handles GET /v1/identities/:identity/settlements
func (h *Handler) ListByIdentity(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	page, err := h.service.ListByIdentity(c.Request.Context(), c.Param("identity"), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// VerifySettlement handles POST /v1/admin/settlements/:settlementId/verify
func (h *Handler) VerifySettlement(c *gin.Context) {
	res, err := h.service.VerifySettlement(c.Request.Context(), c.Param("settlementId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Reconcile handles POST /v1/admin/settlements/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.service.Sweep(c.Request.Context(), c.Query("offers") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Settlement not found"})
	case errors.Is(err, ErrDuplicateSettlement):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_settlement", "message": err.Error()})
	case errors.Is(err, ErrInvalidDeadline):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deadline", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNotMonitoring), errors.Is(err, oracle.ErrTargetMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case steam.IsKind(err, steam.KindRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "upstream_rate_limited", "message": err.Error()})
	case errors.As(err, new(*steam.Error)):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
