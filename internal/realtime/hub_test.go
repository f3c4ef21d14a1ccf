package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

const (
	walletX = "0x1111111111111111111111111111111111111111"
	walletY = "0x2222222222222222222222222222222222222222"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventOfferCreated, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTradeCreated, EventTradeCompleted},
	}}

	created := &Event{Type: EventTradeCreated}
	completed := &Event{Type: EventTradeCompleted}
	countered := &Event{Type: EventOfferCountered}

	if !h.shouldSend(client, created) {
		t.Error("Should receive trade_created events")
	}
	if !h.shouldSend(client, completed) {
		t.Error("Should receive trade_completed events")
	}
	if h.shouldSend(client, countered) {
		t.Error("Should NOT receive offer_countered events")
	}
}

func TestShouldSend_WalletFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Wallets: []string{walletX},
	}}

	asRecipient := &Event{
		Type: EventOfferCreated,
		Data: map[string]interface{}{"recipient": walletX, "actor": walletY},
	}
	asActor := &Event{
		Type: EventOfferAccepted,
		Data: map[string]interface{}{"recipient": walletY, "actor": walletX},
	}
	unrelated := &Event{
		Type: EventOfferCreated,
		Data: map[string]interface{}{"recipient": walletY, "actor": "0x3333333333333333333333333333333333333333"},
	}
	checksummed := &Event{
		Type: EventTradeCompleted,
		Data: map[string]interface{}{"recipient": "0x1111111111111111111111111111111111111111", "actor": ""},
	}

	if !h.shouldSend(client, asRecipient) {
		t.Error("Should match on recipient")
	}
	if !h.shouldSend(client, asActor) {
		t.Error("Should match on actor")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated wallets")
	}
	if !h.shouldSend(client, checksummed) {
		t.Error("Should match system events addressed to the wallet")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventOfferCreated}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventOfferCreated, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
}

func TestHub_BroadcastOfferEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Wallets: []string{walletY}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastOfferEvent(walletY, "offer_created", "off_1", walletX)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}

	// Event for another wallet is filtered out.
	h.BroadcastOfferEvent("0x3333333333333333333333333333333333333333", "offer_created", "off_2",
		"0x4444444444444444444444444444444444444444")
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive another wallet's event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
