package handler_test

import (
	"context"

	"likeswap.app/engine/internal/model"
)

type mockNegotiationStore struct {
	getByIDFn                 func(ctx context.Context, id int64) (*model.NegotiationRequest, error)
	getActiveByCounterpartyFn func(ctx context.Context, counterpartyID string) (*model.NegotiationRequest, error)
	upsertFn                  func(ctx context.Context, req *model.NegotiationRequest) error
	listActiveFn              func(ctx context.Context) ([]model.NegotiationRequest, error)
}

func (m *mockNegotiationStore) GetByID(ctx context.Context, id int64) (*model.NegotiationRequest, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockNegotiationStore) GetActiveByCounterparty(ctx context.Context, counterpartyID string) (*model.NegotiationRequest, error) {
	if m.getActiveByCounterpartyFn != nil {
		return m.getActiveByCounterpartyFn(ctx, counterpartyID)
	}
	return nil, nil
}

func (m *mockNegotiationStore) Upsert(ctx context.Context, req *model.NegotiationRequest) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, req)
	}
	return nil
}

func (m *mockNegotiationStore) ListActive(ctx context.Context) ([]model.NegotiationRequest, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx)
	}
	return nil, nil
}

type mockLedgerStore struct {
	appendFn            func(ctx context.Context, ev model.LedgerEvent) error
	listByNegotiationFn func(ctx context.Context, negotiationID int64) ([]model.LedgerEvent, error)
}

func (m *mockLedgerStore) Append(ctx context.Context, ev model.LedgerEvent) error {
	if m.appendFn != nil {
		return m.appendFn(ctx, ev)
	}
	return nil
}

func (m *mockLedgerStore) ListByNegotiation(ctx context.Context, negotiationID int64) ([]model.LedgerEvent, error) {
	if m.listByNegotiationFn != nil {
		return m.listByNegotiationFn(ctx, negotiationID)
	}
	return nil, nil
}
