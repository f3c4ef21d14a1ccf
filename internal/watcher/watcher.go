// Package watcher tails the escrow contract's event log and folds
// confirmed ledger state back into offers and the local trade mirror.
//
// The watcher is the only writer of post-acceptance offer status. The
// coordinator merely submits transactions; whether they land is decided
// here, from the events the chain actually emitted.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsen/swapdesk/internal/chain"
)

// EventSource reads escrow events from the ledger. Implemented by
// chain.Client.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.Event, error)
}

// Config for the escrow event watcher.
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
	MaxBlockSpan uint64 // cap on blocks per filter query
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxBlockSpan: 2000,
	}
}

// Watcher polls the ledger for new escrow events and hands them to the
// reconciler in log order.
type Watcher struct {
	source     EventSource
	reconciler *Reconciler
	config     Config
	logger     *slog.Logger

	// Applied events, keyed by txHash:logIndex. Re-filtered ranges
	// replay their events; the map keeps replays no-ops.
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a watcher over the given event source.
func New(cfg Config, source EventSource, reconciler *Reconciler, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxBlockSpan == 0 {
		cfg.MaxBlockSpan = DefaultConfig().MaxBlockSpan
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:     source,
		reconciler: reconciler,
		config:     cfg,
		logger:     logger,
		processed:  make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start resynchronizes in-flight trades from contract state and begins
// polling for new events.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock - 1
	}

	// Events emitted while the service was down are not replayed, so
	// in-flight trades are re-derived from current contract state.
	if err := w.reconciler.Resync(ctx); err != nil {
		w.logger.Error("trade resync failed", "error", err)
	}

	w.logger.Info("escrow watcher started",
		"startBlock", w.lastBlock+1,
		"pollInterval", w.config.PollInterval,
	)

	w.started = true
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit. Safe to
// call when Start failed: there is no loop to wait for.
func (w *Watcher) Stop() {
	if !w.started {
		return
	}
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Error("event poll failed", "error", err)
			}
		}
	}
}

// Poll processes one block range. The cursor only advances when every
// event in the range was applied, so a failed event is re-filtered and
// retried on the next cycle; the processed map keeps the events that did
// succeed from being applied twice.
func (w *Watcher) Poll(ctx context.Context) error {
	currentBlock, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if currentBlock <= w.lastBlock {
		return nil
	}

	fromBlock := w.lastBlock + 1
	toBlock := currentBlock
	if toBlock-fromBlock >= w.config.MaxBlockSpan {
		toBlock = fromBlock + w.config.MaxBlockSpan - 1
	}

	events, err := w.source.FilterEvents(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("failed to filter events: %w", err)
	}

	var failed error
	for i := range events {
		if err := w.processEvent(ctx, &events[i]); err != nil {
			w.logger.Error("failed to apply event",
				"type", events[i].Type,
				"tradeId", events[i].TradeID,
				"tx", events[i].TxHash.Hex(),
				"error", err,
			)
			if failed == nil {
				failed = err
			}
		}
	}
	if failed != nil {
		return failed
	}

	w.lastBlock = toBlock
	return nil
}

func (w *Watcher) processEvent(ctx context.Context, event *chain.Event) error {
	key := event.Key()

	w.mu.Lock()
	if w.processed[key] {
		w.mu.Unlock()
		return nil
	}
	w.processed[key] = true
	w.mu.Unlock()

	// On failure, unmark so the event is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, key)
			w.mu.Unlock()
		}
	}()

	if err := w.reconciler.Apply(ctx, event); err != nil {
		return err
	}

	succeeded = true
	return nil
}
