package store

import (
	"context"
	"errors"
	"time"

	"likeswap.app/engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// NegotiationStore defines the contract for negotiation request data access.
// Terminal requests are retained for audit; only Upsert mutates rows, and the
// engine guarantees it is called under the per-counterparty lock.
type NegotiationStore interface {
	GetByID(ctx context.Context, id int64) (*model.NegotiationRequest, error)
	// GetActiveByCounterparty returns the one non-terminal request for a
	// counterparty, or ErrNotFound.
	GetActiveByCounterparty(ctx context.Context, counterpartyID string) (*model.NegotiationRequest, error)
	Upsert(ctx context.Context, req *model.NegotiationRequest) error
	ListActive(ctx context.Context) ([]model.NegotiationRequest, error)
}

// IdentityStore defines the contract for chat identity data access.
type IdentityStore interface {
	GetByID(ctx context.Context, id int64) (*model.Identity, error)
	List(ctx context.Context) ([]model.Identity, error)
	Upsert(ctx context.Context, identity *model.Identity) error
	// UpdateQuota persists the rolling-window counters so a restart does not
	// grant a fresh hourly budget.
	UpdateQuota(ctx context.Context, id int64, count int, windowStart time.Time) error
}

// LedgerStore defines the contract for activity ledger data access.
// Append-only: no update or delete operations exist.
type LedgerStore interface {
	Append(ctx context.Context, ev model.LedgerEvent) error
	ListByNegotiation(ctx context.Context, negotiationID int64) ([]model.LedgerEvent, error)
}
