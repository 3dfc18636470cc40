package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenRepo persists refresh token revocations (one row per jti). Tokens
// are stateless, so only revoked ones are recorded.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// Revoke records jti as revoked until exp. Revoking twice is a no-op.
func (r *TokenRepo) Revoke(ctx context.Context, jti, userID string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO revoked_tokens (jti, user_id, expires_at, revoked_at) VALUES (?,?,?,?) ON DUPLICATE KEY UPDATE jti=jti",
		jti, userID, exp.UTC(), time.Now().UTC())
	return err
}

// IsRevoked reports whether jti has been revoked.
func (r *TokenRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		"SELECT 1 FROM revoked_tokens WHERE jti=? LIMIT 1", jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes revocations whose token would have expired before
// now and returns how many rows were removed.
func (r *TokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM revoked_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
