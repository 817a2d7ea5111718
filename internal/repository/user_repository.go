package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/powimod/comaint/internal/model"
	"github.com/powimod/comaint/internal/utils"
)

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,email,password_hash,company_id,administrator,confirmed,account_locked,validation_code,created_at,updated_at"

// Create inserts an unconfirmed user with a pending validation code
// and returns its ID.
func (r *UserRepo) Create(ctx context.Context, email, password string, code int, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, validation_code) VALUES (?,?,?)",
		email, hash, code)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// Confirm marks the registration code as validated and clears it.
func (r *UserRepo) Confirm(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET confirmed=1, validation_code=NULL WHERE id=?", id)
	return err
}

// Lock sets the account-locked flag. Once set, no tokens are issued
// for the account until an administrator clears it out of band.
func (r *UserRepo) Lock(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET account_locked=1 WHERE id=?", id)
	return err
}

// Unlock clears the account-locked flag (administrative operation).
func (r *UserRepo) Unlock(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET account_locked=0 WHERE id=?", id)
	return err
}

// IsLocked reports the account-locked flag for a user.
func (r *UserRepo) IsLocked(ctx context.Context, id uint64) (bool, error) {
	var locked bool
	err := r.DB.QueryRowContext(ctx,
		"SELECT account_locked FROM users WHERE id=? LIMIT 1", id).Scan(&locked)
	return locked, err
}

func (r *UserRepo) scanOne(row *sql.Row) (model.User, error) {
	var (
		u         model.User
		companyID sql.NullInt64
		code      sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &companyID, &u.Administrator,
		&u.Confirmed, &u.AccountLocked, &code, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	if companyID.Valid {
		v := uint64(companyID.Int64)
		u.CompanyID = &v
	}
	if code.Valid {
		v := int(code.Int64)
		u.ValidationCode = &v
	}
	return u, nil
}
