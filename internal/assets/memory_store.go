package assets

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory registry store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record // ref key -> record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if existing, ok := m.records[key]; ok {
		// Preserve creation time and verification unless ownership changed.
		rec.CreatedAt = existing.CreatedAt
		if existing.OwnerWallet == rec.OwnerWallet {
			rec.Verified = existing.Verified
			rec.VerifiedAt = existing.VerifiedAt
		}
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, ref Ref) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[ref.Key()]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, chainID int64, wallet string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet = strings.ToLower(wallet)
	var result []*Record
	for _, rec := range m.records {
		if rec.ChainID == chainID && rec.OwnerWallet == wallet {
			cp := *rec
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) SetOwner(ctx context.Context, ref Ref, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[ref.Key()]
	if !ok {
		return ErrAssetNotFound
	}
	wallet = strings.ToLower(wallet)
	if rec.OwnerWallet != wallet {
		rec.OwnerWallet = wallet
		rec.Verified = false
		rec.VerifiedAt = nil
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkVerifiedByOwner(ctx context.Context, chainID int64, wallet string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet = strings.ToLower(wallet)
	count := 0
	for _, rec := range m.records {
		if rec.ChainID == chainID && rec.OwnerWallet == wallet && !rec.Verified {
			rec.Verified = true
			t := at
			rec.VerifiedAt = &t
			rec.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
