package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"likeswap.app/engine/core/db"
	"likeswap.app/engine/internal/model"
)

type identityStore struct {
	q db.Querier
}

func newIdentityStore(q db.Querier) IdentityStore {
	return &identityStore{q: q}
}

const identityColumns = `id, handle, account_created_at, hourly_action_count, hour_window_start,
	created_at, updated_at`

func (s *identityStore) GetByID(ctx context.Context, id int64) (*model.Identity, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE id = $1`, id)
	return scanIdentity(row)
}

func (s *identityStore) List(ctx context.Context) ([]model.Identity, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

func (s *identityStore) Upsert(ctx context.Context, identity *model.Identity) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			account_created_at = EXCLUDED.account_created_at,
			hourly_action_count = EXCLUDED.hourly_action_count,
			hour_window_start = EXCLUDED.hour_window_start,
			updated_at = EXCLUDED.updated_at`,
		identity.ID, identity.Handle, identity.AccountCreatedAt,
		identity.HourlyActionCount, identity.HourWindowStart,
		identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *identityStore) UpdateQuota(ctx context.Context, id int64, count int, windowStart time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE identities
		SET hourly_action_count = $2, hour_window_start = $3, updated_at = now()
		WHERE id = $1`, id, count, windowStart)
	if err != nil {
		return fmt.Errorf("update identity quota: %w", err)
	}
	return nil
}

func scanIdentity(row pgx.Row) (*model.Identity, error) {
	var ident model.Identity
	err := row.Scan(&ident.ID, &ident.Handle, &ident.AccountCreatedAt,
		&ident.HourlyActionCount, &ident.HourWindowStart,
		&ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return &ident, nil
}
