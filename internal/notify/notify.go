// Package notify records offer and trade lifecycle notifications so
// participants can catch up on what happened while they were away.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotificationNotFound is returned when a notification does not exist
// or belongs to another wallet.
var ErrNotificationNotFound = errors.New("notification not found")

// Notification is one delivered lifecycle event.
type Notification struct {
	ID        string     `json:"id"`
	Recipient string     `json:"recipient"`
	Type      string     `json:"type"`
	OfferID   string     `json:"offerId"`
	Actor     string     `json:"actor,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Read reports whether the notification has been acknowledged.
func (n *Notification) Read() bool {
	return n.ReadAt != nil
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByRecipient(ctx context.Context, wallet string, unreadOnly bool, limit int) ([]*Notification, error)

	// MarkRead acknowledges a notification on behalf of its recipient.
	// A mismatched wallet gets ErrNotificationNotFound, not a hint that
	// the id exists.
	MarkRead(ctx context.Context, id, wallet string) error
}

// MemoryStore is an in-memory notification store for demo/development mode.
type MemoryStore struct {
	items map[string]*Notification
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

func (m *MemoryStore) Create(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListByRecipient(ctx context.Context, wallet string, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.items {
		if n.Recipient != wallet {
			continue
		}
		if unreadOnly && n.Read() {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, id, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.items[id]
	if !ok || n.Recipient != wallet {
		return ErrNotificationNotFound
	}
	if n.ReadAt == nil {
		now := time.Now()
		n.ReadAt = &now
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
