// Package ledger is the append-only activity record of every negotiation
// event. A single writer goroutine serializes concurrent appends, so callers
// never interleave writes or block on storage latency.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"likeswap.app/engine/common/id"
	"likeswap.app/engine/internal/model"
)

// Store persists ledger events. Events are insert-only.
type Store interface {
	Append(ctx context.Context, ev model.LedgerEvent) error
}

type Ledger struct {
	store  Store
	events chan model.LedgerEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New(store Store, buffer int) *Ledger {
	if buffer <= 0 {
		buffer = 256
	}
	return &Ledger{
		store:  store,
		events: make(chan model.LedgerEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Run consumes the event channel until Close. A store failure is logged and
// the event dropped; audit writes must never fail the negotiation flow.
func (l *Ledger) Run(ctx context.Context) {
	defer close(l.done)

	for ev := range l.events {
		if err := l.store.Append(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "ledger append failed",
				"error", err,
				"kind", ev.Kind,
				"negotiation_id", ev.NegotiationID)
		}
	}
}

// Record queues one event for appending. Zero ID and RecordedAt are filled
// in. Safe for concurrent use; events recorded after Close are dropped.
func (l *Ledger) Record(ev model.LedgerEvent) {
	if ev.ID == 0 {
		ev.ID = id.New()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}
	l.events <- ev
}

// Close stops accepting events and waits for the writer to drain the queue.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	<-l.done
}
