// Package offers provides peer-to-peer swap negotiation between two wallets.
//
// Flow:
//  1. Initiator creates an offer: their bundle against the counterparty's
//  2. Parties alternate counter-offers; each counter replaces both bundles
//     wholesale and hands the turn to the other side
//  3. The turn holder accepts, locking the bundles for escrow
//  4. The escrow coordinator takes over; from acceptance on, offer status
//     advances only from confirmed ledger events
//
// Negotiation is single-writer per offer: only the current turn holder may
// mutate or accept, so concurrent counters cannot both succeed.
package offers

import (
	"context"
	"errors"
	"time"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/pagination"
)

var (
	ErrValidation     = errors.New("invalid offer request")
	ErrOfferNotFound  = errors.New("offer not found")
	ErrInvalidStatus  = errors.New("invalid status for this operation")
	ErrNotTurnHolder  = errors.New("not the turn holder")
	ErrNotParticipant = errors.New("not a participant in this offer")
	ErrSelfOffer      = errors.New("cannot open an offer with yourself")
	ErrEmptyBundle    = errors.New("bundle must contain at least one asset")
	ErrBundleTooLarge = errors.New("bundle exceeds maximum size")
	ErrDuplicateAsset = errors.New("asset appears more than once in the offer")
	ErrAssetNotOwned  = errors.New("asset not owned by proposing party")
	ErrAssetConflict  = errors.New("asset committed to another offer")
	ErrChainMismatch  = errors.New("asset chain does not match offer chain")
)

// Status represents the lifecycle state of an offer.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCountered    Status = "countered"
	StatusAccepted     Status = "accepted"
	StatusTradeCreated Status = "trade_created"
	StatusDepositing   Status = "depositing"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// Terminal returns true if the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Negotiable returns true if the offer can still be countered or accepted.
func (s Status) Negotiable() bool {
	return s == StatusPending || s == StatusCountered
}

// LockedStatuses are the states in which an offer holds exclusive claim on
// its assets. Pending negotiations may overlap on an asset; committed ones
// may not.
var LockedStatuses = []Status{StatusAccepted, StatusTradeCreated, StatusDepositing}

// EscrowStatuses are the states in which an on-chain trade may exist for
// the offer. Used by reconciliation recovery on startup.
var EscrowStatuses = []Status{StatusTradeCreated, StatusDepositing}

// Offer is a proposed swap between two wallets. UserA is the initiator.
// BundleA is what UserA gives up; BundleB is what UserB gives up.
type Offer struct {
	ID         string         `json:"id"`
	UserA      string         `json:"userA"`
	UserB      string         `json:"userB"`
	BundleA    []assets.Asset `json:"bundleA"`
	BundleB    []assets.Asset `json:"bundleB"`
	Status     Status         `json:"status"`
	TurnHolder string         `json:"turnHolder"`
	TradeID    string         `json:"tradeId,omitempty"` // on-chain id, decimal string
	ChainID    int64          `json:"chainId"`
	AcceptedAt *time.Time     `json:"acceptedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Participant reports whether wallet is one of the offer's two parties.
func (o *Offer) Participant(wallet string) bool {
	return wallet == o.UserA || wallet == o.UserB
}

// OtherParty returns the counterparty of wallet, or "" if wallet is not a
// participant.
func (o *Offer) OtherParty(wallet string) string {
	switch wallet {
	case o.UserA:
		return o.UserB
	case o.UserB:
		return o.UserA
	}
	return ""
}

// BundleOf returns the bundle the given wallet gives up.
func (o *Offer) BundleOf(wallet string) []assets.Asset {
	switch wallet {
	case o.UserA:
		return o.BundleA
	case o.UserB:
		return o.BundleB
	}
	return nil
}

// CreateRequest contains the parameters for opening an offer.
type CreateRequest struct {
	Initiator          string         `json:"initiator" binding:"required"`
	Counterparty       string         `json:"counterparty" binding:"required"`
	ChainID            int64          `json:"chainId" binding:"required"`
	BundleInitiator    []assets.Asset `json:"bundleInitiator" binding:"required"`
	BundleCounterparty []assets.Asset `json:"bundleCounterparty" binding:"required"`
}

// CounterRequest contains the parameters for a counter-offer. Both bundles
// are replaced wholesale; the whole proposal is re-sent, not a diff.
type CounterRequest struct {
	Actor   string         `json:"actor" binding:"required"`
	BundleA []assets.Asset `json:"bundleA" binding:"required"`
	BundleB []assets.Asset `json:"bundleB" binding:"required"`
}

// ActionRequest identifies the acting party for accept/cancel operations.
type ActionRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// ListFilter selects offers for listing queries. Results are ordered
// newest first; Cursor resumes a previous page.
type ListFilter struct {
	Wallet string
	Status Status // empty = any
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists offers.
//
// TransitionStatus and BindTrade are compare-and-swap writes: they succeed
// only when the offer is still in the expected state, which is what makes
// ledger event replay idempotent.
type Store interface {
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, offer *Offer) error
	List(ctx context.Context, filter ListFilter) ([]*Offer, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Offer, error)

	// ListByAsset returns offers in any of the given statuses whose bundles
	// contain the asset identified by key.
	ListByAsset(ctx context.Context, assetKey string, statuses []Status) ([]*Offer, error)

	// ListAcceptedByPair returns unbound accepted offers between the two
	// wallets on a chain, most recently accepted first, ties broken by
	// earliest creation.
	ListAcceptedByPair(ctx context.Context, chainID int64, walletX, walletY string) ([]*Offer, error)

	GetByTradeID(ctx context.Context, chainID int64, tradeID string) (*Offer, error)

	// TransitionStatus moves the offer from one status to another only if it
	// currently holds the expected status. Returns false without error when
	// the guard fails.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// BindTrade attaches the on-chain trade id and advances accepted to
	// trade_created in one guarded write.
	BindTrade(ctx context.Context, id, tradeID string) (bool, error)
}

// Registry answers ownership questions for bundle validation.
type Registry interface {
	OwnedBy(ctx context.Context, ref assets.Ref, wallet string) (bool, error)
}

// Notifier delivers offer lifecycle events to the party who did not act.
type Notifier interface {
	OfferEvent(ctx context.Context, recipient, event, offerID, actor string)
}
