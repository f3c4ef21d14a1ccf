package assets

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mkarlsen/swapdesk/internal/validation"
)

// Handler provides HTTP endpoints for the asset registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assets/:chainId/:contract/:tokenId", h.GetAsset)
	r.GET("/wallets/:address/assets", h.ListWalletAssets)
	r.POST("/wallets/:address/assets/sync", h.SyncWalletAssets)
	r.POST("/wallets/:address/assets/verify", h.VerifyWalletAssets)
}

func refFromParams(c *gin.Context) (Ref, bool) {
	chainID, err := strconv.ParseInt(c.Param("chainId"), 10, 64)
	if err != nil || chainID <= 0 {
		return Ref{}, false
	}
	contract := c.Param("contract")
	tokenID := c.Param("tokenId")
	if !validation.IsValidEthAddress(contract) || !validation.IsValidTokenID(tokenID) {
		return Ref{}, false
	}
	return Ref{ChainID: chainID, Contract: contract, TokenID: tokenID}, true
}

// GetAsset handles GET /v1/assets/:chainId/:contract/:tokenId
func (h *Handler) GetAsset(c *gin.Context) {
	ref, ok := refFromParams(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chainId, contract, and tokenId must identify a token",
		})
		return
	}

	rec, err := h.service.Get(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Asset not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset": rec})
}

// ListWalletAssets handles GET /v1/wallets/:address/assets
func (h *Handler) ListWalletAssets(c *gin.Context) {
	address := c.Param("address")
	chainID, _ := strconv.ParseInt(c.DefaultQuery("chainId", "0"), 10, 64)
	if chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chainId query parameter is required",
		})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	recs, err := h.service.ListByOwner(c.Request.Context(), chainID, address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assets": recs,
		"count":  len(recs),
	})
}

// SyncRequest contains the parameters for a wallet asset sync.
type SyncRequest struct {
	ChainID int64 `json:"chainId" binding:"required"`
}

// SyncWalletAssets handles POST /v1/wallets/:address/assets/sync
func (h *Handler) SyncWalletAssets(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chainId is required",
		})
		return
	}

	count, err := h.service.Sync(c.Request.Context(), req.ChainID, c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "sync_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"synced": count})
}

// VerifyRequest contains the parameters for ownership verification.
type VerifyRequest struct {
	ChainID   int64  `json:"chainId" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// VerifyWalletAssets handles POST /v1/wallets/:address/assets/verify
func (h *Handler) VerifyWalletAssets(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chainId and signature are required",
		})
		return
	}

	count, err := h.service.Verify(c.Request.Context(), c.Param("address"), req.ChainID, req.Signature)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "verification_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verified": count})
}
