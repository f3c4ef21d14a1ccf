// Package trade bridges accepted offers into on-chain escrow.
//
// The coordinator submits trade creation, drives per-asset deposits with
// the approval handshake, and exposes cancellation. It never advances an
// offer's status itself: a submitted transaction may still revert or be
// dropped, so status moves only when the reconciliation watcher confirms
// the corresponding ledger event.
package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/chain"
)

var (
	ErrTradeNotFound    = errors.New("trade not found")
	ErrInvalidTradeID   = errors.New("invalid trade id")
	ErrNotParticipant   = errors.New("not a participant in this trade")
	ErrInvalidStatus    = errors.New("invalid offer status for this operation")
	ErrAssetNotInBundle = errors.New("asset is not part of the actor's bundle")
)

// Asset is an escrowed asset in the local mirror: the negotiated asset plus
// its settlement recipient and deposit flag.
type Asset struct {
	assets.Asset
	Recipient string `json:"recipient"`
	Deposited bool   `json:"deposited"`
}

// Trade is the local read model of one on-chain trade, populated and
// advanced exclusively by the reconciliation watcher.
type Trade struct {
	TradeID      string    `json:"tradeId"` // decimal string
	ChainID      int64     `json:"chainId"`
	OfferID      string    `json:"offerId"`
	Participants [2]string `json:"participants"`
	Assets       [][]Asset `json:"assets"` // keyed by participant index
	IsActive     bool      `json:"isActive"`
	TotalCount   int       `json:"totalCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DepositedCount is derived from per-asset flags, never counted
// speculatively, so duplicate deposit events cannot inflate it.
func (t *Trade) DepositedCount() int {
	n := 0
	for _, side := range t.Assets {
		for _, a := range side {
			if a.Deposited {
				n++
			}
		}
	}
	return n
}

// FullyDeposited reports whether every required asset is in escrow.
func (t *Trade) FullyDeposited() bool {
	return t.TotalCount > 0 && t.DepositedCount() == t.TotalCount
}

// ParticipantIndex returns the side index of a wallet, or -1. Matching is
// case-insensitive: ledger events carry checksummed addresses while offers
// store them lowercase.
func (t *Trade) ParticipantIndex(wallet string) int {
	for i, p := range t.Participants {
		if strings.EqualFold(p, wallet) {
			return i
		}
	}
	return -1
}

// Store persists the trade mirror.
type Store interface {
	Upsert(ctx context.Context, t *Trade) error
	Get(ctx context.Context, chainID int64, tradeID string) (*Trade, error)

	// SetDeposited flags one asset as deposited. Returns false when the
	// flag was already set, which keeps duplicate events no-ops.
	SetDeposited(ctx context.Context, chainID int64, tradeID, participant string, assetIndex int) (bool, error)

	// MarkSettled flags every asset deposited and deactivates the trade.
	MarkSettled(ctx context.Context, chainID int64, tradeID string) error

	SetActive(ctx context.Context, chainID int64, tradeID string, active bool) error
}

// Ledger is the escrow contract surface the coordinator drives.
// Implemented by chain.Client.
type Ledger interface {
	Address() common.Address
	CreateTrade(ctx context.Context, participants [2]common.Address, assetsA, assetsB []chain.TradeAsset) (string, error)
	DepositAsset(ctx context.Context, tradeID *big.Int, asset chain.TradeAsset) (string, error)
	CancelTrade(ctx context.Context, tradeID *big.Int) (string, error)
	GetTradeAssets(ctx context.Context, tradeID *big.Int) (*chain.TradeView, error)
	IsApprovedForAll(ctx context.Context, token, owner common.Address) (bool, error)
	SetApprovalForAll(ctx context.Context, token common.Address) (string, error)
	WaitMined(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error)
}

// SubmitResult reports a submitted (not yet confirmed) transaction.
type SubmitResult struct {
	TxHash string `json:"txHash"`
}

// DepositRequest identifies the asset the actor wants to deposit.
type DepositRequest struct {
	Actor string     `json:"actor" binding:"required"`
	Asset assets.Ref `json:"asset" binding:"required"`
}

// ActionRequest identifies the acting party.
type ActionRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// ParseTradeID converts the decimal trade id string used off-chain into
// the contract's uint256.
func ParseTradeID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTradeID, s)
	}
	return id, nil
}

// AssetTypeCode maps a token standard to the escrow contract's enum.
func AssetTypeCode(t assets.TokenType) uint8 {
	switch t {
	case assets.TokenERC1155:
		return chain.AssetTypeERC1155
	case assets.TokenCryptoPunk:
		return chain.AssetTypeCryptoPunk
	default:
		return chain.AssetTypeERC721
	}
}

// TokenTypeFromCode is the inverse of AssetTypeCode.
func TokenTypeFromCode(code uint8) assets.TokenType {
	switch code {
	case chain.AssetTypeERC1155:
		return assets.TokenERC1155
	case chain.AssetTypeCryptoPunk:
		return assets.TokenCryptoPunk
	default:
		return assets.TokenERC721
	}
}
