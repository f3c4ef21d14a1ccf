package trade

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/swapdesk/internal/chain"
	"github.com/mkarlsen/swapdesk/internal/offers"
)

// Handler provides HTTP endpoints for escrow coordination.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new escrow handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/initiate", h.InitiateTrade)
	r.GET("/trades/:tradeId", h.GetTrade)
	r.POST("/trades/:tradeId/deposit", h.DepositAsset)
	r.POST("/trades/:tradeId/cancel", h.CancelTrade)
}

// InitiateTrade handles POST /v1/offers/:id/initiate
//
// Returns 202: the transaction is submitted, not confirmed. The offer
// advances to trade_created only once the watcher sees the TradeCreated
// event.
func (h *Handler) InitiateTrade(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.coordinator.InitiateTrade(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.renderError(c, err, "initiate_failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"submitted": result})
}

// GetTrade handles GET /v1/trades/:tradeId
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.coordinator.GetTrade(c.Request.Context(), c.Param("tradeId"))
	if err != nil {
		h.renderError(c, err, "trade_lookup_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade":          t,
		"depositedCount": t.DepositedCount(),
	})
}

// DepositAsset handles POST /v1/trades/:tradeId/deposit
func (h *Handler) DepositAsset(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.coordinator.Deposit(c.Request.Context(), c.Param("tradeId"), req)
	if err != nil {
		h.renderError(c, err, "deposit_failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"submitted": result})
}

// CancelTrade handles POST /v1/trades/:tradeId/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.coordinator.Cancel(c.Request.Context(), c.Param("tradeId"), req)
	if err != nil {
		h.renderError(c, err, "cancel_failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"submitted": result})
}

func (h *Handler) renderError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback

	var rej *chain.RejectionError
	switch {
	case errors.As(err, &rej):
		// The contract's revert reason ("not approved", "trade not
		// active") goes to the caller untouched.
		status = http.StatusConflict
		code = "ledger_rejected"
	case errors.Is(err, offers.ErrOfferNotFound), errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "not_participant"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_status"
	case errors.Is(err, offers.ErrAssetConflict):
		status = http.StatusConflict
		code = "asset_conflict"
	case errors.Is(err, ErrAssetNotInBundle), errors.Is(err, ErrInvalidTradeID):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
		code = "ledger_unavailable"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
