package pg

import (
	"context"
	"database/sql"
	"errors"

	"clearance.org/internal/auth"
)

var _ auth.HashStore = (*Store)(nil)

func (s *Store) SetHash(ctx context.Context, identityID, hash string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into credentials (identity_id, hash, updated_at)
		values ($1, $2, now())
		on conflict (identity_id) do update
		set hash = excluded.hash, updated_at = excluded.updated_at
	`, identityID, hash)
	return err
}

func (s *Store) Hash(ctx context.Context, identityID string) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `select hash from credentials where identity_id = $1`, identityID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}
