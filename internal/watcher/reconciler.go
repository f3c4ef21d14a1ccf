package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/chain"
	"github.com/mkarlsen/swapdesk/internal/metrics"
	"github.com/mkarlsen/swapdesk/internal/offers"
	"github.com/mkarlsen/swapdesk/internal/retry"
	"github.com/mkarlsen/swapdesk/internal/trade"
	"github.com/mkarlsen/swapdesk/internal/traces"
)

// TradeReader queries current trade state from the contract. Implemented
// by chain.Client. Optional: without it the mirror is rebuilt from offer
// bundles instead of contract state.
type TradeReader interface {
	GetTradeAssets(ctx context.Context, tradeID *big.Int) (*chain.TradeView, error)
}

// Notifier delivers trade lifecycle events to offer participants.
type Notifier interface {
	OfferEvent(ctx context.Context, recipient, event, offerID, actor string)
}

// Reconciler folds decoded escrow events into offer status and the local
// trade mirror. Every handler is idempotent: status moves are
// compare-and-swap writes and deposit flags report whether they changed,
// so replayed events are no-ops.
type Reconciler struct {
	offers   offers.Store
	trades   trade.Store
	ledger   TradeReader
	notifier Notifier
	chainID  int64
	logger   *slog.Logger
}

// NewReconciler creates a reconciler for one chain's escrow contract.
func NewReconciler(offerStore offers.Store, tradeStore trade.Store, ledger TradeReader, chainID int64, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		offers:  offerStore,
		trades:  tradeStore,
		ledger:  ledger,
		chainID: chainID,
		logger:  logger,
	}
}

// WithNotifier sets the participant notifier.
func (r *Reconciler) WithNotifier(n Notifier) *Reconciler {
	r.notifier = n
	return r
}

// Apply folds one escrow event into local state.
func (r *Reconciler) Apply(ctx context.Context, event *chain.Event) error {
	ctx, span := traces.StartSpan(ctx, "watcher.Apply",
		attribute.String("event.type", string(event.Type)),
		traces.TradeID(event.TradeID.String()),
	)
	defer span.End()

	metrics.WatcherEventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case chain.EventTradeCreated:
		return r.applyTradeCreated(ctx, event)
	case chain.EventAssetDeposited:
		return r.applyAssetDeposited(ctx, event)
	case chain.EventTradeCompleted:
		return r.applyTradeCompleted(ctx, event)
	case chain.EventTradeCancelled:
		return r.applyTradeCancelled(ctx, event)
	default:
		return fmt.Errorf("%w: %s", chain.ErrUnknownEvent, event.Type)
	}
}

// applyTradeCreated correlates the on-chain trade with the accepted offer
// between the two participants and binds them.
func (r *Reconciler) applyTradeCreated(ctx context.Context, event *chain.Event) error {
	tradeID := event.TradeID.String()

	// Replay: the trade id is already bound to an offer.
	offer, err := r.offers.GetByTradeID(ctx, r.chainID, tradeID)
	if err == nil {
		return r.ensureMirror(ctx, event.TradeID, offer)
	}
	if !errors.Is(err, offers.ErrOfferNotFound) {
		return err
	}

	walletA := strings.ToLower(event.Participants[0].Hex())
	walletB := strings.ToLower(event.Participants[1].Hex())

	candidates, err := r.offers.ListAcceptedByPair(ctx, r.chainID, walletA, walletB)
	if err != nil {
		return err
	}

	// Anything but exactly one unbound accepted offer between the pair is
	// unresolvable: the trade may belong to another application on the
	// same contract, or two accepted offers are indistinguishable. Either
	// way, guessing would bind the wrong offer, so the event is dropped
	// and surfaced for manual follow-up.
	if len(candidates) != 1 {
		metrics.CorrelationFailuresTotal.Inc()
		r.logger.Warn("trade correlation failed",
			"tradeId", tradeID,
			"participants", []string{walletA, walletB},
			"candidates", len(candidates),
			"tx", event.TxHash.Hex(),
		)
		return nil
	}
	offer = candidates[0]

	bound, err := r.offers.BindTrade(ctx, offer.ID, tradeID)
	if err != nil {
		return err
	}
	if bound {
		metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusTradeCreated)).Inc()
		r.logger.Info("trade bound to offer", "tradeId", tradeID, "offerId", offer.ID)
		r.notifyParties(ctx, offer, "trade_created")
	}

	return r.ensureMirror(ctx, event.TradeID, offer)
}

func (r *Reconciler) applyAssetDeposited(ctx context.Context, event *chain.Event) error {
	tradeID := event.TradeID.String()

	offer, err := r.offers.GetByTradeID(ctx, r.chainID, tradeID)
	if err != nil {
		if errors.Is(err, offers.ErrOfferNotFound) {
			r.logger.Warn("deposit for unknown trade, skipping", "tradeId", tradeID)
			return nil
		}
		return err
	}
	if err := r.ensureMirror(ctx, event.TradeID, offer); err != nil {
		return err
	}

	changed, err := r.trades.SetDeposited(ctx, r.chainID, tradeID,
		event.Participant.Hex(), int(event.AssetIndex.Int64()))
	if err != nil {
		return err
	}
	if changed {
		metrics.DepositsObservedTotal.Inc()
		r.notifyParties(ctx, offer, "asset_deposited")
	}

	// First confirmed deposit moves the offer to depositing.
	moved, err := r.offers.TransitionStatus(ctx, offer.ID, offers.StatusTradeCreated, offers.StatusDepositing)
	if err != nil {
		return err
	}
	if moved {
		metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusDepositing)).Inc()
	}
	return nil
}

func (r *Reconciler) applyTradeCompleted(ctx context.Context, event *chain.Event) error {
	tradeID := event.TradeID.String()

	offer, err := r.offers.GetByTradeID(ctx, r.chainID, tradeID)
	if err != nil {
		if errors.Is(err, offers.ErrOfferNotFound) {
			r.logger.Warn("completion for unknown trade, skipping", "tradeId", tradeID)
			return nil
		}
		return err
	}
	if err := r.ensureMirror(ctx, event.TradeID, offer); err != nil {
		return err
	}

	if err := r.trades.MarkSettled(ctx, r.chainID, tradeID); err != nil {
		return err
	}

	moved, err := r.transitionFromEscrow(ctx, offer.ID, offers.StatusCompleted)
	if err != nil {
		return err
	}
	if moved {
		metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusCompleted)).Inc()
		r.logger.Info("trade settled", "tradeId", tradeID, "offerId", offer.ID)
		r.notifyParties(ctx, offer, "trade_completed")
	}
	return nil
}

func (r *Reconciler) applyTradeCancelled(ctx context.Context, event *chain.Event) error {
	tradeID := event.TradeID.String()

	offer, err := r.offers.GetByTradeID(ctx, r.chainID, tradeID)
	if err != nil {
		if errors.Is(err, offers.ErrOfferNotFound) {
			r.logger.Warn("cancellation for unknown trade, skipping", "tradeId", tradeID)
			return nil
		}
		return err
	}
	if err := r.ensureMirror(ctx, event.TradeID, offer); err != nil {
		return err
	}

	if err := r.trades.SetActive(ctx, r.chainID, tradeID, false); err != nil {
		return err
	}

	moved, err := r.transitionFromEscrow(ctx, offer.ID, offers.StatusCancelled)
	if err != nil {
		return err
	}
	if moved {
		metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusCancelled)).Inc()
		r.logger.Info("trade cancelled", "tradeId", tradeID, "offerId", offer.ID)
		r.notifyParties(ctx, offer, "trade_cancelled")
	}
	return nil
}

// transitionFromEscrow moves the offer to a terminal status from whichever
// escrow state it is currently in. Both attempts are CAS writes, so a
// replayed event moves nothing.
func (r *Reconciler) transitionFromEscrow(ctx context.Context, offerID string, to offers.Status) (bool, error) {
	for _, from := range offers.EscrowStatuses {
		moved, err := r.offers.TransitionStatus(ctx, offerID, from, to)
		if err != nil {
			return false, err
		}
		if moved {
			return true, nil
		}
	}
	return false, nil
}

// ensureMirror makes sure a local trade record exists, preferring contract
// state over the offer's bundles.
func (r *Reconciler) ensureMirror(ctx context.Context, tradeID *big.Int, offer *offers.Offer) error {
	_, err := r.trades.Get(ctx, r.chainID, tradeID.String())
	if err == nil {
		return nil
	}
	if !errors.Is(err, trade.ErrTradeNotFound) {
		return err
	}

	if r.ledger != nil {
		view, err := r.readTradeAssets(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("failed to read trade %s: %w", tradeID, err)
		}
		return r.trades.Upsert(ctx, trade.TradeFromView(view, r.chainID, offer.ID))
	}
	return r.trades.Upsert(ctx, mirrorFromOffer(offer, tradeID.String()))
}

// readTradeAssets queries the contract's trade state, retrying transient
// RPC failures. A failed read here either drops a mirror update or marks a
// resync as failed, so a couple of retries beat giving up on first blip.
func (r *Reconciler) readTradeAssets(ctx context.Context, tradeID *big.Int) (*chain.TradeView, error) {
	var view *chain.TradeView
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		view, err = r.ledger.GetTradeAssets(ctx, tradeID)
		return err
	})
	return view, err
}

// Resync re-derives the state of every in-flight trade from the contract.
// Events emitted during downtime are not replayed; current contract state
// is authoritative.
func (r *Reconciler) Resync(ctx context.Context) error {
	inflight, err := r.offers.ListByStatus(ctx, offers.EscrowStatuses, 0)
	if err != nil {
		return err
	}

	for _, offer := range inflight {
		if offer.TradeID == "" {
			continue
		}
		if err := r.resyncOffer(ctx, offer); err != nil {
			r.logger.Error("failed to resync trade",
				"tradeId", offer.TradeID,
				"offerId", offer.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (r *Reconciler) resyncOffer(ctx context.Context, offer *offers.Offer) error {
	id, err := trade.ParseTradeID(offer.TradeID)
	if err != nil {
		return err
	}

	if r.ledger == nil {
		return r.ensureMirror(ctx, id, offer)
	}

	view, err := r.readTradeAssets(ctx, id)
	if err != nil {
		return err
	}

	t := trade.TradeFromView(view, r.chainID, offer.ID)
	if err := r.trades.Upsert(ctx, t); err != nil {
		return err
	}

	var (
		to    offers.Status
		moved bool
	)
	switch {
	case !t.IsActive && t.FullyDeposited():
		to = offers.StatusCompleted
		moved, err = r.transitionFromEscrow(ctx, offer.ID, to)
	case !t.IsActive:
		to = offers.StatusCancelled
		moved, err = r.transitionFromEscrow(ctx, offer.ID, to)
	case t.DepositedCount() > 0:
		to = offers.StatusDepositing
		moved, err = r.offers.TransitionStatus(ctx, offer.ID, offers.StatusTradeCreated, to)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if moved {
		metrics.OfferTransitionsTotal.WithLabelValues(string(to)).Inc()
		r.logger.Info("trade state resynced", "tradeId", offer.TradeID, "offerId", offer.ID, "status", to)
	}
	return nil
}

// notifyParties tells both participants about a ledger-confirmed change.
// Delivery failures never block reconciliation.
func (r *Reconciler) notifyParties(ctx context.Context, offer *offers.Offer, event string) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("notifier panicked", "offerId", offer.ID, "panic", p)
		}
	}()
	r.notifier.OfferEvent(ctx, offer.UserA, event, offer.ID, "")
	r.notifier.OfferEvent(ctx, offer.UserB, event, offer.ID, "")
}

// mirrorFromOffer builds the trade record from the negotiated bundles when
// no contract reader is available. Each asset settles to the counterparty.
func mirrorFromOffer(offer *offers.Offer, tradeID string) *trade.Trade {
	now := time.Now()
	t := &trade.Trade{
		TradeID:      tradeID,
		ChainID:      offer.ChainID,
		OfferID:      offer.ID,
		Participants: [2]string{offer.UserA, offer.UserB},
		Assets:       make([][]trade.Asset, 2),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	recipients := [2]string{offer.UserB, offer.UserA}
	for i, bundle := range [2][]assets.Asset{offer.BundleA, offer.BundleB} {
		side := make([]trade.Asset, len(bundle))
		for j, a := range bundle {
			side[j] = trade.Asset{Asset: a, Recipient: recipients[i]}
		}
		t.Assets[i] = side
		t.TotalCount += len(side)
	}
	return t
}
