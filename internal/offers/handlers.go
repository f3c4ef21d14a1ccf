package offers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/swapdesk/internal/pagination"
)

// Handler provides HTTP endpoints for swap negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up negotiation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/counter", h.CounterOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	offer, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "offer_failed"
		switch {
		case errors.Is(err, ErrValidation),
			errors.Is(err, ErrEmptyBundle),
			errors.Is(err, ErrBundleTooLarge),
			errors.Is(err, ErrDuplicateAsset),
			errors.Is(err, ErrChainMismatch),
			errors.Is(err, ErrSelfOffer):
			status = http.StatusBadRequest
			code = "validation_failed"
		case errors.Is(err, ErrAssetNotOwned):
			status = http.StatusBadRequest
			code = "asset_not_owned"
		case errors.Is(err, ErrAssetConflict):
			status = http.StatusConflict
			code = "asset_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	limit := parseLimit(c.Query("limit"), 50, 200)
	filter := ListFilter{
		Wallet: c.Query("wallet"),
		Status: Status(c.Query("status")),
		Limit:  limit + 1, // one extra row decides has_more
		Cursor: cursor,
	}

	offers, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	offers, nextCursor, hasMore := pagination.ComputePage(offers, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	resp := gin.H{
		"offers":   offers,
		"count":    len(offers),
		"has_more": hasMore,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// CounterOffer handles POST /v1/offers/:id/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	offer, err := h.service.Counter(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "counter_failed"
		switch {
		case errors.Is(err, ErrOfferNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotParticipant):
			status = http.StatusForbidden
			code = "not_participant"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_status"
		case errors.Is(err, ErrNotTurnHolder):
			status = http.StatusConflict
			code = "not_turn_holder"
		case errors.Is(err, ErrValidation),
			errors.Is(err, ErrEmptyBundle),
			errors.Is(err, ErrBundleTooLarge),
			errors.Is(err, ErrDuplicateAsset),
			errors.Is(err, ErrChainMismatch):
			status = http.StatusBadRequest
			code = "validation_failed"
		case errors.Is(err, ErrAssetNotOwned):
			status = http.StatusBadRequest
			code = "asset_not_owned"
		case errors.Is(err, ErrAssetConflict):
			status = http.StatusConflict
			code = "asset_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	offer, err := h.service.Accept(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "accept_failed"
		switch {
		case errors.Is(err, ErrOfferNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotParticipant):
			status = http.StatusForbidden
			code = "not_participant"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_status"
		case errors.Is(err, ErrNotTurnHolder):
			status = http.StatusConflict
			code = "not_turn_holder"
		case errors.Is(err, ErrEmptyBundle):
			status = http.StatusBadRequest
			code = "empty_bundle"
		case errors.Is(err, ErrAssetConflict):
			status = http.StatusConflict
			code = "asset_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// CancelOffer handles POST /v1/offers/:id/cancel
//
// Cancels a negotiation that has not been accepted yet. Offers already
// committed to escrow are cancelled through the trade endpoints instead.
func (h *Handler) CancelOffer(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	offer, err := h.service.CancelNegotiation(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "cancel_failed"
		switch {
		case errors.Is(err, ErrOfferNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotParticipant):
			status = http.StatusForbidden
			code = "not_participant"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_status"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
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
