package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/chain"
	"github.com/mkarlsen/swapdesk/internal/circuitbreaker"
	"github.com/mkarlsen/swapdesk/internal/logging"
	"github.com/mkarlsen/swapdesk/internal/metrics"
	"github.com/mkarlsen/swapdesk/internal/offers"
	"github.com/mkarlsen/swapdesk/internal/syncutil"
	"github.com/mkarlsen/swapdesk/internal/traces"
)

// ErrLedgerUnavailable is returned while the RPC circuit is open.
var ErrLedgerUnavailable = errors.New("ledger temporarily unavailable")

const breakerKey = "ledger"

// Coordinator drives the escrow contract for accepted offers.
type Coordinator struct {
	offers      offers.Store
	trades      Store
	ledger      Ledger
	chainID     int64
	confirmWait time.Duration

	// breaker trips on consecutive RPC failures so a dead endpoint fails
	// fast instead of holding request handlers for the full RPC timeout.
	// Contract reverts are not failures; the RPC did its job.
	breaker *circuitbreaker.Breaker

	// approvalLocks serializes the approval handshake per collection.
	// Without it, concurrent deposits from the same collection each see
	// missing approval and submit duplicate approval transactions.
	approvalLocks *syncutil.ContextShardedMutex
}

// NewCoordinator creates a new escrow coordinator.
func NewCoordinator(offerStore offers.Store, tradeStore Store, ledger Ledger, chainID int64, confirmWait time.Duration) *Coordinator {
	if confirmWait <= 0 {
		confirmWait = chain.DefaultConfirmationTimeout
	}
	return &Coordinator{
		offers:        offerStore,
		trades:        tradeStore,
		ledger:        ledger,
		chainID:       chainID,
		confirmWait:   confirmWait,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		approvalLocks: syncutil.NewContextShardedMutex(),
	}
}

// InitiateTrade submits on-chain trade creation for an accepted offer.
// Each asset's recipient is the counterparty: assets flow across on
// settlement, never back to the depositor. The offer status is untouched;
// the watcher advances it once TradeCreated is confirmed.
func (c *Coordinator) InitiateTrade(ctx context.Context, offerID, actor string) (*SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "trade.InitiateTrade",
		traces.OfferID(offerID),
		traces.Wallet(actor),
	)
	defer span.End()

	offer, err := c.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	actor = strings.ToLower(actor)
	if !offer.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if offer.Status != offers.StatusAccepted {
		return nil, ErrInvalidStatus
	}

	// Time has passed since acceptance; the assets may have been committed
	// elsewhere in the meantime.
	if err := c.recheckExclusivity(ctx, offer); err != nil {
		return nil, err
	}

	assetsA, err := toTradeAssets(offer.BundleA, offer.UserB)
	if err != nil {
		return nil, err
	}
	assetsB, err := toTradeAssets(offer.BundleB, offer.UserA)
	if err != nil {
		return nil, err
	}

	participants := [2]common.Address{
		common.HexToAddress(offer.UserA),
		common.HexToAddress(offer.UserB),
	}

	if !c.breaker.Allow(breakerKey) {
		return nil, ErrLedgerUnavailable
	}

	txHash, err := c.ledger.CreateTrade(ctx, participants, assetsA, assetsB)
	c.observeLedgerCall("createTrade", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("trade creation submitted",
		"offerId", offer.ID,
		"tx", txHash,
	)
	return &SubmitResult{TxHash: txHash}, nil
}

// Deposit submits one asset deposit. If the escrow contract lacks operator
// approval on the asset's collection, the approval transaction is sent
// first and Deposit blocks until it is mined. The deposit itself is a
// single attempt; a revert is surfaced with the contract's reason and never
// retried automatically.
func (c *Coordinator) Deposit(ctx context.Context, tradeID string, req DepositRequest) (*SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Deposit",
		traces.TradeID(tradeID),
		traces.Wallet(req.Actor),
		traces.AssetKey(req.Asset.Key()),
	)
	defer span.End()

	id, err := ParseTradeID(tradeID)
	if err != nil {
		return nil, err
	}

	offer, err := c.offers.GetByTradeID(ctx, c.chainID, tradeID)
	if err != nil {
		if errors.Is(err, offers.ErrOfferNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}

	actor := strings.ToLower(req.Actor)
	if !offer.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if offer.Status != offers.StatusTradeCreated && offer.Status != offers.StatusDepositing {
		return nil, ErrInvalidStatus
	}

	asset, ok := findInBundle(offer.BundleOf(actor), req.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotInBundle, req.Asset.Key())
	}

	if !c.breaker.Allow(breakerKey) {
		return nil, ErrLedgerUnavailable
	}

	token := common.HexToAddress(asset.Contract)
	if err := c.ensureApproval(ctx, token); err != nil {
		return nil, err
	}

	tradeAsset, err := toTradeAsset(asset, offer.OtherParty(actor))
	if err != nil {
		return nil, err
	}

	txHash, err := c.ledger.DepositAsset(ctx, id, tradeAsset)
	c.observeLedgerCall("depositAsset", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("deposit submitted",
		"tradeId", tradeID,
		"asset", asset.Key(),
		"tx", txHash,
	)
	return &SubmitResult{TxHash: txHash}, nil
}

// Cancel submits trade cancellation. Validity (trade still active, not
// settled) is not pre-checked locally; the contract is the arbiter and its
// rejection reason is surfaced verbatim.
func (c *Coordinator) Cancel(ctx context.Context, tradeID string, req ActionRequest) (*SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel",
		traces.TradeID(tradeID),
		traces.Wallet(req.Actor),
	)
	defer span.End()

	id, err := ParseTradeID(tradeID)
	if err != nil {
		return nil, err
	}

	offer, err := c.offers.GetByTradeID(ctx, c.chainID, tradeID)
	if err != nil {
		if errors.Is(err, offers.ErrOfferNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}

	if !offer.Participant(strings.ToLower(req.Actor)) {
		return nil, ErrNotParticipant
	}

	if !c.breaker.Allow(breakerKey) {
		return nil, ErrLedgerUnavailable
	}

	txHash, err := c.ledger.CancelTrade(ctx, id)
	c.observeLedgerCall("cancelTrade", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("trade cancellation submitted",
		"tradeId", tradeID,
		"tx", txHash,
	)
	return &SubmitResult{TxHash: txHash}, nil
}

// GetTrade returns the local mirror of a trade, reading through to the
// contract when the mirror has no row yet.
func (c *Coordinator) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := c.trades.Get(ctx, c.chainID, tradeID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTradeNotFound) {
		return nil, err
	}

	id, err := ParseTradeID(tradeID)
	if err != nil {
		return nil, err
	}
	view, err := c.ledger.GetTradeAssets(ctx, id)
	if err != nil {
		return nil, err
	}

	offerID := ""
	if offer, err := c.offers.GetByTradeID(ctx, c.chainID, tradeID); err == nil {
		offerID = offer.ID
	}

	t = TradeFromView(view, c.chainID, offerID)
	if err := c.trades.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to cache trade %s: %w", tradeID, err)
	}
	return t, nil
}

// ensureApproval grants the escrow contract operator rights on the
// collection if it does not have them, blocking until the approval is
// mined.
func (c *Coordinator) ensureApproval(ctx context.Context, token common.Address) error {
	unlock, err := c.approvalLocks.LockContext(ctx, strings.ToLower(token.Hex()))
	if err != nil {
		return err
	}
	defer unlock()

	approved, err := c.ledger.IsApprovedForAll(ctx, token, c.ledger.Address())
	if err != nil {
		return err
	}
	if approved {
		return nil
	}

	txHash, err := c.ledger.SetApprovalForAll(ctx, token)
	c.observeLedgerCall("setApprovalForAll", err)
	if err != nil {
		return err
	}
	if _, err := c.ledger.WaitMined(ctx, txHash, c.confirmWait); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) recheckExclusivity(ctx context.Context, offer *offers.Offer) error {
	for _, bundle := range [][]assets.Asset{offer.BundleA, offer.BundleB} {
		for _, a := range bundle {
			holders, err := c.offers.ListByAsset(ctx, a.Key(), offers.LockedStatuses)
			if err != nil {
				return fmt.Errorf("exclusivity check failed for %s: %w", a.Key(), err)
			}
			for _, h := range holders {
				if h.ID != offer.ID {
					return fmt.Errorf("%w: %s held by offer %s", offers.ErrAssetConflict, a.Key(), h.ID)
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) observeLedgerCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var rej *chain.RejectionError
		if errors.As(err, &rej) {
			outcome = "rejected"
		}
	}
	metrics.LedgerCallsTotal.WithLabelValues(op, outcome).Inc()

	// A revert means the RPC endpoint answered; only transport-level
	// failures count against the circuit.
	if outcome == "error" {
		c.breaker.RecordFailure(breakerKey)
	} else {
		c.breaker.RecordSuccess(breakerKey)
	}
}

func findInBundle(bundle []assets.Asset, ref assets.Ref) (assets.Asset, bool) {
	key := assets.Ref{ChainID: ref.ChainID, Contract: strings.ToLower(ref.Contract), TokenID: ref.TokenID}.Key()
	for _, a := range bundle {
		if a.Key() == key {
			return a, true
		}
	}
	return assets.Asset{}, false
}

func toTradeAssets(bundle []assets.Asset, recipient string) ([]chain.TradeAsset, error) {
	out := make([]chain.TradeAsset, 0, len(bundle))
	for _, a := range bundle {
		ta, err := toTradeAsset(a, recipient)
		if err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, nil
}

func toTradeAsset(a assets.Asset, recipient string) (chain.TradeAsset, error) {
	tokenID, ok := new(big.Int).SetString(a.TokenID, 10)
	if !ok {
		return chain.TradeAsset{}, fmt.Errorf("invalid token id %q", a.TokenID)
	}
	return chain.TradeAsset{
		Token:     common.HexToAddress(a.Contract),
		TokenId:   tokenID,
		Amount:    big.NewInt(a.Amount),
		AssetType: AssetTypeCode(a.TokenType),
		Recipient: common.HexToAddress(recipient),
	}, nil
}

// TradeFromView builds the local mirror from the contract's state query.
// Used for read-through caching and reconciliation recovery.
func TradeFromView(view *chain.TradeView, chainID int64, offerID string) *Trade {
	now := time.Now()
	t := &Trade{
		TradeID: view.TradeID.String(),
		ChainID: chainID,
		OfferID: offerID,
		Participants: [2]string{
			strings.ToLower(view.Participants[0].Hex()),
			strings.ToLower(view.Participants[1].Hex()),
		},
		IsActive:   view.IsActive,
		TotalCount: int(view.TotalCount.Int64()),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	t.Assets = make([][]Asset, len(view.Assets))
	for i, side := range view.Assets {
		t.Assets[i] = make([]Asset, len(side))
		for j, sa := range side {
			t.Assets[i][j] = Asset{
				Asset: assets.Asset{
					Ref: assets.Ref{
						ChainID:  chainID,
						Contract: strings.ToLower(sa.Token.Hex()),
						TokenID:  sa.TokenId.String(),
					},
					TokenType: TokenTypeFromCode(sa.AssetType),
					Amount:    sa.Amount.Int64(),
				},
				Recipient: strings.ToLower(sa.Recipient.Hex()),
				Deposited: sa.Deposited,
			}
		}
	}
	return t
}
