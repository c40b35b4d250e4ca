package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"likeswap.app/engine/core/db"
	"likeswap.app/engine/internal/model"
)

type negotiationStore struct {
	q db.Querier
}

func newNegotiationStore(q db.Querier) NegotiationStore {
	return &negotiationStore{q: q}
}

const negotiationColumns = `id, counterparty_id, identity_id, requested_actions, target_reference,
	stage, attempt_count, last_proof_digest, verification, reward_sent, created_at, updated_at`

func (s *negotiationStore) Upsert(ctx context.Context, req *model.NegotiationRequest) error {
	actionsJSON, err := json.Marshal(req.RequestedActions)
	if err != nil {
		return fmt.Errorf("marshal requested actions: %w", err)
	}

	var verificationJSON []byte
	if req.Verification != nil {
		verificationJSON, err = json.Marshal(req.Verification)
		if err != nil {
			return fmt.Errorf("marshal verification: %w", err)
		}
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO negotiation_requests (`+negotiationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			requested_actions = EXCLUDED.requested_actions,
			target_reference = EXCLUDED.target_reference,
			stage = EXCLUDED.stage,
			attempt_count = EXCLUDED.attempt_count,
			last_proof_digest = EXCLUDED.last_proof_digest,
			verification = EXCLUDED.verification,
			reward_sent = EXCLUDED.reward_sent,
			updated_at = EXCLUDED.updated_at`,
		req.ID, req.CounterpartyID, req.IdentityID, actionsJSON, req.TargetReference,
		string(req.Stage), req.AttemptCount, req.LastProofDigest, verificationJSON,
		req.RewardSent, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert negotiation: %w", err)
	}
	return nil
}

func (s *negotiationStore) GetByID(ctx context.Context, id int64) (*model.NegotiationRequest, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+negotiationColumns+`
		FROM negotiation_requests
		WHERE id = $1`, id)
	return scanNegotiation(row)
}

func (s *negotiationStore) GetActiveByCounterparty(ctx context.Context, counterpartyID string) (*model.NegotiationRequest, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+negotiationColumns+`
		FROM negotiation_requests
		WHERE counterparty_id = $1 AND stage NOT IN ('completed', 'failed')
		ORDER BY created_at DESC
		LIMIT 1`, counterpartyID)
	return scanNegotiation(row)
}

func (s *negotiationStore) ListActive(ctx context.Context) ([]model.NegotiationRequest, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+negotiationColumns+`
		FROM negotiation_requests
		WHERE stage NOT IN ('completed', 'failed')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active negotiations: %w", err)
	}
	defer rows.Close()

	var out []model.NegotiationRequest
	for rows.Next() {
		req, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanNegotiation(row pgx.Row) (*model.NegotiationRequest, error) {
	var (
		req              model.NegotiationRequest
		stage            string
		actionsJSON      []byte
		verificationJSON []byte
	)

	err := row.Scan(&req.ID, &req.CounterpartyID, &req.IdentityID, &actionsJSON,
		&req.TargetReference, &stage, &req.AttemptCount, &req.LastProofDigest,
		&verificationJSON, &req.RewardSent, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan negotiation: %w", err)
	}

	req.Stage = model.NegotiationStage(stage)
	if err := json.Unmarshal(actionsJSON, &req.RequestedActions); err != nil {
		return nil, fmt.Errorf("unmarshal requested actions: %w", err)
	}
	if len(verificationJSON) > 0 {
		req.Verification = &model.VerificationResult{}
		if err := json.Unmarshal(verificationJSON, req.Verification); err != nil {
			return nil, fmt.Errorf("unmarshal verification: %w", err)
		}
	}

	return &req, nil
}
