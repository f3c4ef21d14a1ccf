package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkarlsen/swapdesk/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swapdesk",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swapdesk",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification persist failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Broadcaster pushes events to live subscribers. Implemented by
// realtime.Hub.
type Broadcaster interface {
	BroadcastOfferEvent(recipient, event, offerID, actor string)
}

// Emitter persists lifecycle notifications and fans them out to the live
// hub. It satisfies the offers and watcher Notifier interfaces. All
// methods are fire-and-forget: errors are logged but never returned, so a
// notification failure can never fail a state transition.
type Emitter struct {
	store  Store
	hub    Broadcaster
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, logger: logger}
}

// WithHub sets the live broadcast hub.
func (e *Emitter) WithHub(hub Broadcaster) *Emitter {
	e.hub = hub
	return e
}

// OfferEvent records a lifecycle event for the recipient.
func (e *Emitter) OfferEvent(ctx context.Context, recipient, event, offerID, actor string) {
	if e == nil || recipient == "" {
		return
	}
	notifyEmitTotal.WithLabelValues(event).Inc()

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Recipient: strings.ToLower(recipient),
		Type:      event,
		OfferID:   offerID,
		Actor:     actor,
		CreatedAt: time.Now(),
	}

	// The caller's context may already be cancelled; persistence gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.store.Create(ctx, n); err != nil {
		notifyEmitErrors.WithLabelValues(event).Inc()
		e.logger.Warn("notification persist failed",
			"event", event, "offerId", offerID, "recipient", n.Recipient, "error", err)
	}

	if e.hub != nil {
		e.hub.BroadcastOfferEvent(n.Recipient, event, offerID, actor)
	}
}
