package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/powimod/comaint/internal/model"
)

// TokenRepo persists refresh-token records, one row per outstanding
// refresh token. There is deliberately no update operation: rotation
// is always delete-old + create-new, so reuse of a consumed token is
// detectable by the absence of its row.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// Create inserts a refresh-token row and returns its generated id.
func (r *TokenRepo) Create(ctx context.Context, userID uint64, exp time.Time) (string, error) {
	id := uuid.NewString()
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO refresh_tokens (id, user_id, expires_at) VALUES (?,?,?)",
		id, userID, exp)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByID returns the record for id, or (nil, nil) when no row exists.
func (r *TokenRepo) GetByID(ctx context.Context, id string) (*model.RefreshToken, error) {
	var t model.RefreshToken
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, user_id, expires_at, created_at FROM refresh_tokens WHERE id=? LIMIT 1",
		id).Scan(&t.ID, &t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteByID removes the record and reports whether a row was
// actually deleted. The single DELETE keyed by primary key is atomic
// in MySQL, so two concurrent attempts to consume the same id see
// exactly one true and one false.
func (r *TokenRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE id=?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAllForUser removes every outstanding refresh token of a user.
// Used on replay detection so a locked account keeps no live sessions.
func (r *TokenRepo) DeleteAllForUser(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE user_id=?", userID)
	return err
}

// PurgeExpired removes rows whose expiry has passed. Rows for tokens
// the client silently dropped would otherwise accumulate forever.
func (r *TokenRepo) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at < UTC_TIMESTAMP()")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
