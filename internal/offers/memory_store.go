package offers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/pagination"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func copyBundle(b []assets.Asset) []assets.Asset {
	if b == nil {
		return nil
	}
	out := make([]assets.Asset, len(b))
	copy(out, b)
	return out
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.BundleA = copyBundle(o.BundleA)
	cp.BundleB = copyBundle(o.BundleB)
	if o.AcceptedAt != nil {
		t := *o.AcceptedAt
		cp.AcceptedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[offer.ID] = copyOffer(offer)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(offer), nil
}

func (m *MemoryStore) Update(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[offer.ID] = copyOffer(offer)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if filter.Wallet != "" && !o.Participant(filter.Wallet) {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !beforeCursor(o, filter.Cursor) {
			continue
		}
		result = append(result, copyOffer(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := statusSet(statuses)
	var result []*Offer
	for _, o := range m.offers {
		if want[o.Status] {
			result = append(result, copyOffer(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByAsset(ctx context.Context, assetKey string, statuses []Status) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := statusSet(statuses)
	var result []*Offer
	for _, o := range m.offers {
		if !want[o.Status] {
			continue
		}
		if bundleContains(o.BundleA, assetKey) || bundleContains(o.BundleB, assetKey) {
			result = append(result, copyOffer(o))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAcceptedByPair(ctx context.Context, chainID int64, walletX, walletY string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.Status != StatusAccepted || o.TradeID != "" || o.ChainID != chainID {
			continue
		}
		if (o.UserA == walletX && o.UserB == walletY) || (o.UserA == walletY && o.UserB == walletX) {
			result = append(result, copyOffer(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := acceptedAt(result[i]), acceptedAt(result[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetByTradeID(ctx context.Context, chainID int64, tradeID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.offers {
		if o.ChainID == chainID && o.TradeID == tradeID {
			return copyOffer(o), nil
		}
	}
	return nil, ErrOfferNotFound
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[id]
	if !ok {
		return false, ErrOfferNotFound
	}
	if offer.Status != from {
		return false, nil
	}
	offer.Status = to
	offer.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) BindTrade(ctx context.Context, id, tradeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[id]
	if !ok {
		return false, ErrOfferNotFound
	}
	if offer.Status != StatusAccepted || offer.TradeID != "" {
		return false, nil
	}
	offer.TradeID = tradeID
	offer.Status = StatusTradeCreated
	offer.UpdatedAt = time.Now()
	return true, nil
}

func statusSet(statuses []Status) map[Status]bool {
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func bundleContains(bundle []assets.Asset, key string) bool {
	for _, a := range bundle {
		if a.Key() == key {
			return true
		}
	}
	return false
}

// beforeCursor reports whether the offer sorts strictly after the cursor
// position in the newest-first ordering (created_at desc, id desc).
func beforeCursor(o *Offer, c *pagination.Cursor) bool {
	if !o.CreatedAt.Equal(c.CreatedAt) {
		return o.CreatedAt.Before(c.CreatedAt)
	}
	return o.ID < c.ID
}

func acceptedAt(o *Offer) time.Time {
	if o.AcceptedAt != nil {
		return *o.AcceptedAt
	}
	return time.Time{}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
