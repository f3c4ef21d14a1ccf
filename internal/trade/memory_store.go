package trade

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade mirror for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade // "chainID:tradeID" -> trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

func tradeKey(chainID int64, tradeID string) string {
	return fmt.Sprintf("%d:%s", chainID, tradeID)
}

func copyTrade(t *Trade) *Trade {
	cp := *t
	cp.Assets = make([][]Asset, len(t.Assets))
	for i, side := range t.Assets {
		cp.Assets[i] = make([]Asset, len(side))
		copy(cp.Assets[i], side)
	}
	return &cp
}

func (m *MemoryStore) Upsert(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[tradeKey(t.ChainID, t.TradeID)] = copyTrade(t)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, chainID int64, tradeID string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[tradeKey(chainID, tradeID)]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (m *MemoryStore) SetDeposited(ctx context.Context, chainID int64, tradeID, participant string, assetIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeKey(chainID, tradeID)]
	if !ok {
		return false, ErrTradeNotFound
	}

	idx := t.ParticipantIndex(participant)
	if idx < 0 {
		return false, fmt.Errorf("wallet %s is not a participant of trade %s", participant, tradeID)
	}
	if assetIndex < 0 || assetIndex >= len(t.Assets[idx]) {
		return false, fmt.Errorf("asset index %d out of range for trade %s", assetIndex, tradeID)
	}
	if t.Assets[idx][assetIndex].Deposited {
		return false, nil
	}
	t.Assets[idx][assetIndex].Deposited = true
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkSettled(ctx context.Context, chainID int64, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeKey(chainID, tradeID)]
	if !ok {
		return ErrTradeNotFound
	}
	for i := range t.Assets {
		for j := range t.Assets[i] {
			t.Assets[i][j].Deposited = true
		}
	}
	t.IsActive = false
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetActive(ctx context.Context, chainID int64, tradeID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeKey(chainID, tradeID)]
	if !ok {
		return ErrTradeNotFound
	}
	t.IsActive = active
	t.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
