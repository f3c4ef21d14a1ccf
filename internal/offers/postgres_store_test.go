package offers

import (
	"context"
	"testing"
	"time"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/testutil"
)

func pgAsset(tokenID string) assets.Asset {
	return assets.Asset{
		Ref: assets.Ref{
			ChainID:  84532,
			Contract: "0xcccc000000000000000000000000000000000003",
			TokenID:  tokenID,
		},
		TokenType: assets.TokenERC721,
		Amount:    1,
	}
}

func pgOffer(id string, status Status) *Offer {
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &Offer{
		ID:         id,
		UserA:      "0xaaaa000000000000000000000000000000000001",
		UserB:      "0xbbbb000000000000000000000000000000000002",
		BundleA:    []assets.Asset{pgAsset("1")},
		BundleB:    []assets.Asset{pgAsset("10"), pgAsset("11")},
		Status:     status,
		TurnHolder: "0xbbbb000000000000000000000000000000000002",
		ChainID:    84532,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if status == StatusAccepted {
		o.AcceptedAt = &now
	}
	return o
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	offer := pgOffer("off_pg1", StatusPending)
	if err := store.Create(ctx, offer); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "off_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserA != offer.UserA || got.Status != StatusPending {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if len(got.BundleA) != 1 || len(got.BundleB) != 2 {
		t.Errorf("Bundle sizes wrong: %d/%d", len(got.BundleA), len(got.BundleB))
	}
	if got.BundleB[1].TokenID != "11" {
		t.Errorf("Expected tokenId 11, got %s", got.BundleB[1].TokenID)
	}

	if _, err := store.Get(ctx, "off_missing"); err != ErrOfferNotFound {
		t.Errorf("Expected ErrOfferNotFound, got %v", err)
	}
}

func TestPostgresStore_TransitionStatusCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOffer("off_pg2", StatusTradeCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := store.TransitionStatus(ctx, "off_pg2", StatusTradeCreated, StatusDepositing)
	if err != nil || !ok {
		t.Fatalf("Expected transition to apply, got ok=%v err=%v", ok, err)
	}

	// Stale guard: offer is no longer trade_created. Not an error.
	ok, err = store.TransitionStatus(ctx, "off_pg2", StatusTradeCreated, StatusDepositing)
	if err != nil {
		t.Fatalf("Unexpected error on stale transition: %v", err)
	}
	if ok {
		t.Error("Expected stale transition to report false")
	}

	// Missing offer is an error, not a silent false.
	if _, err := store.TransitionStatus(ctx, "off_missing", StatusPending, StatusCancelled); err != ErrOfferNotFound {
		t.Errorf("Expected ErrOfferNotFound, got %v", err)
	}
}

func TestPostgresStore_BindTradeOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOffer("off_pg3", StatusAccepted)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := store.BindTrade(ctx, "off_pg3", "42")
	if err != nil || !ok {
		t.Fatalf("Expected bind to apply, got ok=%v err=%v", ok, err)
	}

	got, err := store.Get(ctx, "off_pg3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusTradeCreated || got.TradeID != "42" {
		t.Errorf("Expected trade_created/42, got %s/%s", got.Status, got.TradeID)
	}

	// Replay: already bound, the guard fails quietly.
	ok, err = store.BindTrade(ctx, "off_pg3", "43")
	if err != nil {
		t.Fatalf("Unexpected error on replayed bind: %v", err)
	}
	if ok {
		t.Error("Expected replayed bind to report false")
	}
	got, _ = store.Get(ctx, "off_pg3")
	if got.TradeID != "42" {
		t.Errorf("Trade binding overwritten: %s", got.TradeID)
	}
}

func TestPostgresStore_ListAcceptedByPair(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	accepted := pgOffer("off_pg4", StatusAccepted)
	if err := store.Create(ctx, accepted); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Pending offers between the same pair must not correlate.
	if err := store.Create(ctx, pgOffer("off_pg5", StatusPending)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Participant order from the event may be swapped.
	got, err := store.ListAcceptedByPair(ctx, 84532, accepted.UserB, accepted.UserA)
	if err != nil {
		t.Fatalf("ListAcceptedByPair failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "off_pg4" {
		t.Fatalf("Expected [off_pg4], got %d offers", len(got))
	}

	// Bound offers drop out of the candidate set.
	if _, err := store.BindTrade(ctx, "off_pg4", "7"); err != nil {
		t.Fatalf("BindTrade failed: %v", err)
	}
	got, err = store.ListAcceptedByPair(ctx, 84532, accepted.UserA, accepted.UserB)
	if err != nil {
		t.Fatalf("ListAcceptedByPair failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no candidates after binding, got %d", len(got))
	}
}

func TestPostgresStore_ListByStatusUnlimited(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOffer("off_pg10", StatusTradeCreated)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgOffer("off_pg11", StatusDepositing)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgOffer("off_pg12", StatusPending)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Startup resync passes limit 0 meaning "all"; it must not translate
	// into a SQL LIMIT 0.
	got, err := store.ListByStatus(ctx, EscrowStatuses, 0)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 escrow-phase offers, got %d", len(got))
	}

	got, err = store.ListByStatus(ctx, EscrowStatuses, 1)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected limit to apply, got %d offers", len(got))
	}
}

func TestPostgresStore_ListByAsset(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOffer("off_pg6", StatusAccepted)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.ListByAsset(ctx, pgAsset("10").Key(), LockedStatuses)
	if err != nil {
		t.Fatalf("ListByAsset failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "off_pg6" {
		t.Fatalf("Expected [off_pg6], got %d offers", len(got))
	}

	got, err = store.ListByAsset(ctx, pgAsset("999").Key(), LockedStatuses)
	if err != nil {
		t.Fatalf("ListByAsset failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no offers for unreferenced asset, got %d", len(got))
	}
}

func TestPostgresStore_UpdateRebuildsAssetIndex(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	offer := pgOffer("off_pg7", StatusAccepted)
	if err := store.Create(ctx, offer); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Counter replaces bundle B wholesale; token 11 drops out.
	offer.BundleB = []assets.Asset{pgAsset("10")}
	offer.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, offer); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.ListByAsset(ctx, pgAsset("11").Key(), LockedStatuses)
	if err != nil {
		t.Fatalf("ListByAsset failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected dropped asset to leave the index, got %d offers", len(got))
	}
}
