package store

import (
	"context"
	"fmt"

	"likeswap.app/engine/core/db"
	"likeswap.app/engine/internal/model"
)

type ledgerStore struct {
	q db.Querier
}

func newLedgerStore(q db.Querier) LedgerStore {
	return &ledgerStore{q: q}
}

func (s *ledgerStore) Append(ctx context.Context, ev model.LedgerEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_events (id, negotiation_id, identity_id, counterparty_id,
			kind, stage, detail, simulated, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.NegotiationID, ev.IdentityID, ev.CounterpartyID,
		string(ev.Kind), string(ev.Stage), ev.Detail, ev.Simulated, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("append ledger event: %w", err)
	}
	return nil
}

func (s *ledgerStore) ListByNegotiation(ctx context.Context, negotiationID int64) ([]model.LedgerEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, negotiation_id, identity_id, counterparty_id, kind, stage,
			detail, simulated, recorded_at
		FROM ledger_events
		WHERE negotiation_id = $1
		ORDER BY recorded_at`, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerEvent
	for rows.Next() {
		var (
			ev    model.LedgerEvent
			kind  string
			stage string
		)
		if err := rows.Scan(&ev.ID, &ev.NegotiationID, &ev.IdentityID, &ev.CounterpartyID,
			&kind, &stage, &ev.Detail, &ev.Simulated, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		ev.Kind = model.LedgerEventKind(kind)
		ev.Stage = model.NegotiationStage(stage)
		out = append(out, ev)
	}
	return out, rows.Err()
}
