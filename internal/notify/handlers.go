package notify

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/swapdesk/internal/validation"
)

// Handler provides HTTP endpoints for the notification feed.
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/notifications", h.ListNotifications)
	r.POST("/notifications/:id/read", h.MarkRead)
}

// ListNotifications handles GET /v1/wallets/:address/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address must be a valid Ethereum address",
		})
		return
	}

	unreadOnly := c.Query("unread") == "true"
	limit := parseLimit(c.Query("limit"), 50, 200)

	items, err := h.store.ListByRecipient(c.Request.Context(), strings.ToLower(address), unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list notifications",
		})
		return
	}
	if items == nil {
		items = []*Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"count":         len(items),
	})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	var req struct {
		Wallet string `json:"wallet" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidEthAddress(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet must be a valid Ethereum address",
		})
		return
	}

	err := h.store.MarkRead(c.Request.Context(), c.Param("id"), strings.ToLower(req.Wallet))
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to mark notification read",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
