package pg

import (
	"context"
	"database/sql"
	"time"

	"llacademy.ng/internal/auth"
)

// Revocations implements auth.RevocationStore over the revocations table.
type Revocations struct {
	db *sql.DB
}

var _ auth.RevocationStore = (*Revocations)(nil)

func (r *Revocations) Insert(ctx context.Context, entry auth.RevocationEntry) error {
	revokedAt := entry.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		insert into revocations (token_id, user_id, revoked_at, expires_at)
		values ($1, $2, $3, $4)
		on conflict (token_id) do nothing
	`, entry.TokenID, entry.UserID, revokedAt.UTC(), entry.ExpiresAt.UTC())
	return err
}

func (r *Revocations) Contains(ctx context.Context, tokenID string) (bool, error) {
	var found bool
	err := r.db.QueryRowContext(ctx, `select exists(select 1 from revocations where token_id = $1)`, tokenID).Scan(&found)
	return found, err
}

func (r *Revocations) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from revocations where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
