package offers

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/idgen"
	"github.com/mkarlsen/swapdesk/internal/metrics"
	"github.com/mkarlsen/swapdesk/internal/syncutil"
	"github.com/mkarlsen/swapdesk/internal/validation"
)

// Service implements negotiation business logic.
type Service struct {
	store    Store
	registry Registry
	notifier Notifier

	// locks serializes mutations per offer ID with bounded memory; offer
	// ids are unbounded so a map of mutexes would leak.
	locks syncutil.ShardedMutex

	// acceptMu serializes the exclusivity check-then-accept across offers.
	// Per-offer locks cannot order two different offers racing to commit
	// the same asset.
	acceptMu sync.Mutex
}

// NewService creates a new negotiation service.
func NewService(store Store, registry Registry) *Service {
	return &Service{store: store, registry: registry}
}

// WithNotifier adds lifecycle event delivery to the non-acting party.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens a new offer from the initiator to the counterparty.
// The counterparty holds the first turn.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Offer, error) {
	initiator := strings.ToLower(req.Initiator)
	counterparty := strings.ToLower(req.Counterparty)

	if !validation.IsValidEthAddress(initiator) || !validation.IsValidEthAddress(counterparty) {
		return nil, fmt.Errorf("%w: participants must be ethereum addresses", ErrValidation)
	}
	if initiator == counterparty {
		return nil, ErrSelfOffer
	}
	if req.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chainId must be positive", ErrValidation)
	}

	bundleA, bundleB, err := s.validateBundles(ctx, "", req.ChainID, initiator, counterparty, req.BundleInitiator, req.BundleCounterparty)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	offer := &Offer{
		ID:         idgen.WithPrefix("off_"),
		UserA:      initiator,
		UserB:      counterparty,
		BundleA:    bundleA,
		BundleB:    bundleB,
		Status:     StatusPending,
		TurnHolder: counterparty,
		ChainID:    req.ChainID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.notify(ctx, counterparty, "offer_created", offer.ID, initiator)
	return offer, nil
}

// Counter replaces both bundles and hands the turn to the other party.
// Only the current turn holder may counter, and only while the offer is
// still negotiable.
func (s *Service) Counter(ctx context.Context, offerID string, req CounterRequest) (*Offer, error) {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	actor := strings.ToLower(req.Actor)
	if !offer.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if !offer.Status.Negotiable() {
		return nil, ErrInvalidStatus
	}
	if actor != offer.TurnHolder {
		return nil, ErrNotTurnHolder
	}

	bundleA, bundleB, err := s.validateBundles(ctx, offer.ID, offer.ChainID, offer.UserA, offer.UserB, req.BundleA, req.BundleB)
	if err != nil {
		return nil, err
	}

	offer.BundleA = bundleA
	offer.BundleB = bundleB
	offer.TurnHolder = offer.OtherParty(actor)
	offer.Status = StatusCountered
	offer.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to counter offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusCountered)).Inc()
	s.notify(ctx, offer.TurnHolder, "offer_countered", offer.ID, actor)
	return offer, nil
}

// Accept locks the current bundles in for escrow. Only the turn holder may
// accept. Acceptance does not touch the ledger; it marks the hand-off point
// to the escrow coordinator.
func (s *Service) Accept(ctx context.Context, offerID string, req ActionRequest) (*Offer, error) {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	actor := strings.ToLower(req.Actor)
	if !offer.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if !offer.Status.Negotiable() {
		return nil, ErrInvalidStatus
	}
	if actor != offer.TurnHolder {
		return nil, ErrNotTurnHolder
	}
	if len(offer.BundleA) == 0 || len(offer.BundleB) == 0 {
		return nil, ErrEmptyBundle
	}

	// Exclusivity must be checked and committed atomically: two offers
	// sharing an asset may both be negotiable, but only one may lock it.
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	if err := s.checkExclusive(ctx, offer.ID, bundleKeys(offer.BundleA, offer.BundleB)); err != nil {
		return nil, err
	}

	now := time.Now()
	offer.Status = StatusAccepted
	offer.AcceptedAt = &now
	offer.UpdatedAt = now

	if err := s.store.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to accept offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	s.notify(ctx, offer.OtherParty(actor), "offer_accepted", offer.ID, actor)
	return offer, nil
}

// CancelNegotiation withdraws an offer before acceptance. Either party may
// cancel; no trade exists on chain yet so no ledger call is needed.
func (s *Service) CancelNegotiation(ctx context.Context, offerID string, req ActionRequest) (*Offer, error) {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	actor := strings.ToLower(req.Actor)
	if !offer.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if !offer.Status.Negotiable() {
		return nil, ErrInvalidStatus
	}

	offer.Status = StatusCancelled
	offer.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to cancel offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify(ctx, offer.OtherParty(actor), "offer_cancelled", offer.ID, actor)
	return offer, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// GetByTradeID returns the offer bound to an on-chain trade.
func (s *Service) GetByTradeID(ctx context.Context, chainID int64, tradeID string) (*Offer, error) {
	return s.store.GetByTradeID(ctx, chainID, tradeID)
}

// List returns offers matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Offer, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	filter.Wallet = strings.ToLower(filter.Wallet)
	return s.store.List(ctx, filter)
}

// validateBundles checks both proposed bundles and returns normalized
// copies. offerID excludes the offer itself from conflict checks on counter.
func (s *Service) validateBundles(ctx context.Context, offerID string, chainID int64, ownerA, ownerB string, bundleA, bundleB []assets.Asset) ([]assets.Asset, []assets.Asset, error) {
	if len(bundleA) == 0 || len(bundleB) == 0 {
		return nil, nil, ErrEmptyBundle
	}
	if len(bundleA) > validation.MaxBundleSize || len(bundleB) > validation.MaxBundleSize {
		return nil, nil, fmt.Errorf("%w: max %d assets per side", ErrBundleTooLarge, validation.MaxBundleSize)
	}

	seen := make(map[string]bool)
	normalize := func(owner string, bundle []assets.Asset) ([]assets.Asset, error) {
		out := make([]assets.Asset, 0, len(bundle))
		for _, a := range bundle {
			a.Contract = strings.ToLower(a.Contract)
			if err := a.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if a.ChainID != chainID {
				return nil, fmt.Errorf("%w: asset %s on chain %d", ErrChainMismatch, a.Key(), a.ChainID)
			}
			key := a.Key()
			if seen[key] {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, key)
			}
			seen[key] = true

			owned, err := s.registry.OwnedBy(ctx, a.Ref, owner)
			if err != nil {
				return nil, fmt.Errorf("ownership check failed for %s: %w", key, err)
			}
			if !owned {
				return nil, fmt.Errorf("%w: %s is not held by %s", ErrAssetNotOwned, key, owner)
			}
			out = append(out, a)
		}
		return out, nil
	}

	outA, err := normalize(ownerA, bundleA)
	if err != nil {
		return nil, nil, err
	}
	outB, err := normalize(ownerB, bundleB)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	if err := s.checkExclusive(ctx, offerID, keys); err != nil {
		return nil, nil, err
	}
	return outA, outB, nil
}

// checkExclusive fails if any asset key is already held by a different
// offer in a committed (accepted or later, non-terminal) state.
func (s *Service) checkExclusive(ctx context.Context, offerID string, keys []string) error {
	for _, key := range keys {
		holders, err := s.store.ListByAsset(ctx, key, LockedStatuses)
		if err != nil {
			return fmt.Errorf("exclusivity check failed for %s: %w", key, err)
		}
		for _, h := range holders {
			if h.ID != offerID {
				return fmt.Errorf("%w: %s held by offer %s", ErrAssetConflict, key, h.ID)
			}
		}
	}
	return nil
}

func bundleKeys(bundles ...[]assets.Asset) []string {
	var keys []string
	for _, b := range bundles {
		for _, a := range b {
			keys = append(keys, a.Key())
		}
	}
	return keys
}

// notify delivers a lifecycle event to the non-acting party. Best effort;
// delivery failure never fails the state transition.
func (s *Service) notify(ctx context.Context, recipient, event, offerID, actor string) {
	if s.notifier == nil || recipient == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: notifier panicked for offer %s: %v", offerID, r)
		}
	}()
	s.notifier.OfferEvent(ctx, recipient, event, offerID, actor)
}
