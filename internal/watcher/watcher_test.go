package watcher

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/chain"
	"github.com/mkarlsen/swapdesk/internal/offers"
	"github.com/mkarlsen/swapdesk/internal/trade"
)

const (
	walletX = "0x1111111111111111111111111111111111111111"
	walletY = "0x2222222222222222222222222222222222222222"

	testChain = int64(84532)
)

type mockNotifier struct {
	events []string // "recipient:event"
}

func (m *mockNotifier) OfferEvent(ctx context.Context, recipient, event, offerID, actor string) {
	m.events = append(m.events, recipient+":"+event)
}

func (m *mockNotifier) count(event string) int {
	n := 0
	for _, e := range m.events {
		if e[len(e)-len(event):] == event {
			n++
		}
	}
	return n
}

type mockSource struct {
	block     uint64
	blockErr  error
	events    []chain.Event
	filtered  [][2]uint64
	filterErr error
}

func (m *mockSource) BlockNumber(ctx context.Context) (uint64, error) {
	if m.blockErr != nil {
		return 0, m.blockErr
	}
	return m.block, nil
}

func (m *mockSource) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.Event, error) {
	m.filtered = append(m.filtered, [2]uint64{fromBlock, toBlock})
	if m.filterErr != nil {
		return nil, m.filterErr
	}
	var out []chain.Event
	for _, e := range m.events {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	return out, nil
}

func nft(n int) assets.Asset {
	return assets.Asset{
		Ref: assets.Ref{
			ChainID:  testChain,
			Contract: "0xaaaa567890123456789012345678901234567890",
			TokenID:  strconv.Itoa(n),
		},
		TokenType: assets.TokenERC721,
		Amount:    1,
	}
}

func seedAccepted(t *testing.T, store offers.Store, id string) *offers.Offer {
	t.Helper()
	now := time.Now()
	offer := &offers.Offer{
		ID:         id,
		UserA:      walletX,
		UserB:      walletY,
		BundleA:    []assets.Asset{nft(1)},
		BundleB:    []assets.Asset{nft(10), nft(11)},
		Status:     offers.StatusAccepted,
		ChainID:    testChain,
		AcceptedAt: &now,
	}
	if err := store.Create(context.Background(), offer); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	return offer
}

func participants() [2]common.Address {
	return [2]common.Address{common.HexToAddress(walletX), common.HexToAddress(walletY)}
}

func createdEvent(block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:         chain.EventTradeCreated,
		TradeID:      big.NewInt(42),
		Participants: participants(),
		TxHash:       common.HexToHash("0x01"),
		LogIndex:     logIndex,
		BlockNumber:  block,
	}
}

func depositEvent(wallet string, assetIndex int64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        chain.EventAssetDeposited,
		TradeID:     big.NewInt(42),
		Participant: common.HexToAddress(wallet),
		AssetIndex:  big.NewInt(assetIndex),
		TxHash:      common.HexToHash("0x02"),
		LogIndex:    logIndex,
		BlockNumber: 11,
	}
}

func lifecycleEvent(typ chain.EventType, block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        typ,
		TradeID:     big.NewInt(42),
		TxHash:      common.HexToHash("0x03"),
		LogIndex:    logIndex,
		BlockNumber: block,
	}
}

func newReconciler(t *testing.T) (*Reconciler, offers.Store, trade.Store, *mockNotifier) {
	t.Helper()
	offerStore := offers.NewMemoryStore()
	tradeStore := trade.NewMemoryStore()
	notifier := &mockNotifier{}
	rec := NewReconciler(offerStore, tradeStore, nil, testChain, nil).WithNotifier(notifier)
	return rec, offerStore, tradeStore, notifier
}

func TestReconciler_FullLifecycle(t *testing.T) {
	rec, offerStore, tradeStore, notifier := newReconciler(t)
	offer := seedAccepted(t, offerStore, "off_1")
	ctx := context.Background()

	created := createdEvent(10, 0)
	if err := rec.Apply(ctx, &created); err != nil {
		t.Fatalf("TradeCreated: %v", err)
	}

	got, err := offerStore.Get(ctx, offer.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != offers.StatusTradeCreated || got.TradeID != "42" {
		t.Fatalf("offer = %s/%q, want trade_created/42", got.Status, got.TradeID)
	}

	mirror, err := tradeStore.Get(ctx, testChain, "42")
	if err != nil {
		t.Fatalf("mirror Get() error = %v", err)
	}
	if mirror.TotalCount != 3 || mirror.OfferID != "off_1" {
		t.Errorf("mirror total/offer = %d/%s", mirror.TotalCount, mirror.OfferID)
	}

	deposits := []chain.Event{
		depositEvent(walletX, 0, 1),
		depositEvent(walletY, 0, 2),
		depositEvent(walletY, 1, 3),
	}
	for i := range deposits {
		if err := rec.Apply(ctx, &deposits[i]); err != nil {
			t.Fatalf("AssetDeposited[%d]: %v", i, err)
		}
	}

	got, _ = offerStore.Get(ctx, offer.ID)
	if got.Status != offers.StatusDepositing {
		t.Errorf("status after deposits = %s, want depositing", got.Status)
	}
	mirror, _ = tradeStore.Get(ctx, testChain, "42")
	if !mirror.FullyDeposited() {
		t.Errorf("deposited = %d/%d", mirror.DepositedCount(), mirror.TotalCount)
	}

	completed := lifecycleEvent(chain.EventTradeCompleted, 12, 0)
	if err := rec.Apply(ctx, &completed); err != nil {
		t.Fatalf("TradeCompleted: %v", err)
	}

	got, _ = offerStore.Get(ctx, offer.ID)
	if got.Status != offers.StatusCompleted {
		t.Errorf("final status = %s, want completed", got.Status)
	}
	mirror, _ = tradeStore.Get(ctx, testChain, "42")
	if mirror.IsActive {
		t.Error("settled trade still active")
	}

	// Both parties heard about every stage.
	for _, event := range []string{"trade_created", "asset_deposited", "trade_completed"} {
		if n := notifier.count(event); n == 0 {
			t.Errorf("no %s notifications delivered", event)
		}
	}
	if notifier.count("trade_created") != 2 {
		t.Errorf("trade_created notifications = %d, want one per party", notifier.count("trade_created"))
	}
}

func TestReconciler_ReplayedEventsAreNoOps(t *testing.T) {
	rec, offerStore, tradeStore, notifier := newReconciler(t)
	offer := seedAccepted(t, offerStore, "off_1")
	ctx := context.Background()

	created := createdEvent(10, 0)
	deposit := depositEvent(walletX, 0, 1)
	for i := 0; i < 3; i++ {
		if err := rec.Apply(ctx, &created); err != nil {
			t.Fatalf("TradeCreated replay %d: %v", i, err)
		}
		if err := rec.Apply(ctx, &deposit); err != nil {
			t.Fatalf("AssetDeposited replay %d: %v", i, err)
		}
	}

	mirror, _ := tradeStore.Get(ctx, testChain, "42")
	if mirror.DepositedCount() != 1 {
		t.Errorf("depositedCount after replays = %d, want 1", mirror.DepositedCount())
	}
	got, _ := offerStore.Get(ctx, offer.ID)
	if got.Status != offers.StatusDepositing {
		t.Errorf("status = %s, want depositing", got.Status)
	}
	if n := notifier.count("asset_deposited"); n != 2 {
		t.Errorf("asset_deposited notifications = %d, want one per party", n)
	}
}

func TestReconciler_CorrelationFailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("no candidate", func(t *testing.T) {
		rec, offerStore, _, _ := newReconciler(t)
		// Only a pending offer between the pair; nothing is accepted.
		pending := seedAccepted(t, offerStore, "off_pending")
		pending.Status = offers.StatusPending
		if err := offerStore.Update(ctx, pending); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		created := createdEvent(10, 0)
		if err := rec.Apply(ctx, &created); err != nil {
			t.Fatalf("Apply() error = %v, want dropped event", err)
		}
		got, _ := offerStore.Get(ctx, "off_pending")
		if got.TradeID != "" {
			t.Error("unmatched trade was bound to an offer")
		}
	})

	t.Run("ambiguous candidates", func(t *testing.T) {
		rec, offerStore, _, _ := newReconciler(t)
		seedAccepted(t, offerStore, "off_a")
		seedAccepted(t, offerStore, "off_b")

		created := createdEvent(10, 0)
		if err := rec.Apply(ctx, &created); err != nil {
			t.Fatalf("Apply() error = %v, want dropped event", err)
		}
		for _, id := range []string{"off_a", "off_b"} {
			got, _ := offerStore.Get(ctx, id)
			if got.TradeID != "" || got.Status != offers.StatusAccepted {
				t.Errorf("offer %s was bound on an ambiguous match", id)
			}
		}
	})
}

func TestReconciler_CancelAfterPartialDeposit(t *testing.T) {
	rec, offerStore, tradeStore, _ := newReconciler(t)
	offer := seedAccepted(t, offerStore, "off_1")
	ctx := context.Background()

	created := createdEvent(10, 0)
	deposit := depositEvent(walletX, 0, 1)
	cancelled := lifecycleEvent(chain.EventTradeCancelled, 12, 0)
	for _, e := range []*chain.Event{&created, &deposit, &cancelled} {
		if err := rec.Apply(ctx, e); err != nil {
			t.Fatalf("Apply(%s): %v", e.Type, err)
		}
	}

	got, _ := offerStore.Get(ctx, offer.ID)
	if got.Status != offers.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	mirror, _ := tradeStore.Get(ctx, testChain, "42")
	if mirror.IsActive {
		t.Error("cancelled trade still active")
	}
	// Deposit history is kept for refund visibility.
	if mirror.DepositedCount() != 1 {
		t.Errorf("depositedCount = %d, want 1", mirror.DepositedCount())
	}
}

func TestReconciler_UnknownTradeEventsSkipped(t *testing.T) {
	rec, _, _, _ := newReconciler(t)
	ctx := context.Background()

	deposit := depositEvent(walletX, 0, 1)
	if err := rec.Apply(ctx, &deposit); err != nil {
		t.Errorf("deposit for unknown trade: %v", err)
	}
	completed := lifecycleEvent(chain.EventTradeCompleted, 12, 0)
	if err := rec.Apply(ctx, &completed); err != nil {
		t.Errorf("completion for unknown trade: %v", err)
	}
}

func TestWatcher_PollAdvancesCursor(t *testing.T) {
	rec, offerStore, _, _ := newReconciler(t)
	seedAccepted(t, offerStore, "off_1")

	source := &mockSource{block: 20, events: []chain.Event{createdEvent(10, 0)}}
	w := New(Config{}, source, rec, nil)
	ctx := context.Background()

	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if w.lastBlock != 20 {
		t.Errorf("lastBlock = %d, want 20", w.lastBlock)
	}
	if len(source.filtered) != 1 || source.filtered[0] != [2]uint64{1, 20} {
		t.Errorf("filtered ranges = %v", source.filtered)
	}

	// No new blocks, no query.
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(source.filtered) != 1 {
		t.Errorf("filter queries = %d, want 1", len(source.filtered))
	}

	got, _ := offerStore.Get(ctx, "off_1")
	if got.Status != offers.StatusTradeCreated {
		t.Errorf("status = %s, want trade_created", got.Status)
	}
}

func TestWatcher_FailedRangeIsRetried(t *testing.T) {
	rec, _, _, _ := newReconciler(t)

	source := &mockSource{block: 20, filterErr: errors.New("rpc unavailable")}
	w := New(Config{}, source, rec, nil)
	ctx := context.Background()

	if err := w.Poll(ctx); err == nil {
		t.Fatal("Poll() expected error")
	}
	if w.lastBlock != 0 {
		t.Errorf("cursor advanced past a failed range: %d", w.lastBlock)
	}

	source.filterErr = nil
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() retry error = %v", err)
	}
	if w.lastBlock != 20 {
		t.Errorf("lastBlock = %d, want 20", w.lastBlock)
	}
}

func TestWatcher_CapsBlockSpan(t *testing.T) {
	rec, _, _, _ := newReconciler(t)

	source := &mockSource{block: 5000}
	w := New(Config{MaxBlockSpan: 1000}, source, rec, nil)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if source.filtered[0] != [2]uint64{1, 1000} {
		t.Errorf("range = %v, want capped at 1000 blocks", source.filtered[0])
	}
	if w.lastBlock != 1000 {
		t.Errorf("lastBlock = %d, want 1000", w.lastBlock)
	}
}

type mockReader struct {
	view *chain.TradeView
	err  error
}

func (m *mockReader) GetTradeAssets(ctx context.Context, tradeID *big.Int) (*chain.TradeView, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.view, nil
}

func TestReconciler_ResyncFromContractState(t *testing.T) {
	offerStore := offers.NewMemoryStore()
	tradeStore := trade.NewMemoryStore()
	ctx := context.Background()

	offer := seedAccepted(t, offerStore, "off_1")
	if _, err := offerStore.BindTrade(ctx, offer.ID, "42"); err != nil {
		t.Fatalf("BindTrade() error = %v", err)
	}

	// Contract says the trade settled while the service was down.
	x := common.HexToAddress(walletX)
	y := common.HexToAddress(walletY)
	token := common.HexToAddress("0xaaaa567890123456789012345678901234567890")
	reader := &mockReader{view: &chain.TradeView{
		TradeID:      big.NewInt(42),
		Participants: [2]common.Address{x, y},
		Assets: [][]chain.StoredAsset{
			{{Token: token, TokenId: big.NewInt(1), Amount: big.NewInt(1), Recipient: y, Deposited: true}},
			{{Token: token, TokenId: big.NewInt(10), Amount: big.NewInt(1), Recipient: x, Deposited: true}},
		},
		IsActive:       false,
		DepositedCount: big.NewInt(2),
		TotalCount:     big.NewInt(2),
	}}

	rec := NewReconciler(offerStore, tradeStore, reader, testChain, nil)
	if err := rec.Resync(ctx); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	got, _ := offerStore.Get(ctx, offer.ID)
	if got.Status != offers.StatusCompleted {
		t.Errorf("status after resync = %s, want completed", got.Status)
	}
	mirror, err := tradeStore.Get(ctx, testChain, "42")
	if err != nil {
		t.Fatalf("mirror Get() error = %v", err)
	}
	if mirror.IsActive || !mirror.FullyDeposited() {
		t.Errorf("mirror not settled: active=%v deposited=%d", mirror.IsActive, mirror.DepositedCount())
	}
}

func TestWatcher_StopAfterFailedStart(t *testing.T) {
	rec, _, _, _ := newReconciler(t)

	source := &mockSource{blockErr: errors.New("connection refused")}
	w := New(Config{}, source, rec, nil)

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error from block number lookup")
	}

	// No poll loop ever ran; Stop must return instead of waiting on it.
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() hung after failed Start()")
	}
}
