// Package auth implements the session authority: issuing credential
// pairs, validating access tokens, rotating refresh tokens and
// detecting reuse of an already-consumed refresh token.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/powimod/comaint/internal/model"
	"github.com/powimod/comaint/internal/queue"
	"github.com/powimod/comaint/internal/token"
)

var (
	// ErrReplayDetected signals that a refresh token was presented
	// after its record was already consumed. Either a bug or an
	// attacker holding a stolen copy; never silently ignored.
	ErrReplayDetected = errors.New("refresh token replay detected")

	// ErrAccountLocked is returned when token issuance is attempted
	// for a locked account.
	ErrAccountLocked = errors.New("account locked")
)

// TokenStore is the persistence contract for refresh-token records.
// Satisfied by repository.TokenRepo.
type TokenStore interface {
	Create(ctx context.Context, userID uint64, exp time.Time) (string, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteAllForUser(ctx context.Context, userID uint64) error
}

// UserStore is the slice of the user repository the session
// authority needs. Satisfied by repository.UserRepo.
type UserStore interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
	Lock(ctx context.Context, id uint64) error
	IsLocked(ctx context.Context, id uint64) (bool, error)
}

// LockPublisher receives account-locked events for ops alerting.
// Optional; a nil publisher disables publication.
type LockPublisher interface {
	PublishAccountLocked(ctx context.Context, ev queue.AccountLockedEvent) error
}

// Identity is the request-scoped view of the authenticated caller,
// as resolved from a verified token or a freshly loaded user row.
type Identity struct {
	UserID        uint64
	Email         string
	CompanyID     *uint64
	Confirmed     bool
	Administrator bool

	// RefreshID is the record id of the refresh token backing this
	// session; logout revokes it. Empty when expiry emulation
	// skipped claim parsing.
	RefreshID string
}

// Context derives the caller-visible identity context from an
// identity. connected=false yields the anonymous context regardless
// of the other fields.
func (id Identity) Context(connected bool) model.IdentityContext {
	if !connected {
		return model.AnonymousContext()
	}
	return model.IdentityContext{
		Email:          id.Email,
		Connected:      true,
		Administrator:  id.Administrator,
		CompanyPresent: id.CompanyID != nil,
	}
}

// Pair bundles a freshly minted access/refresh token couple. The
// expiry times mirror the exp claims inside the tokens.
type Pair struct {
	AccessToken    string
	AccessExpires  time.Time
	RefreshToken   string
	RefreshExpires time.Time
	RefreshID      string
}

// SessionService owns creation and deletion of refresh-token records;
// no other component mutates them. It is explicitly constructed and
// injected rather than shared as a global.
type SessionService struct {
	codec      *token.Codec
	tokens     TokenStore
	users      UserStore
	publisher  LockPublisher
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewSessionService(codec *token.Codec, tokens TokenStore, users UserStore,
	publisher LockPublisher, accessTTL, refreshTTL time.Duration) *SessionService {
	return &SessionService{
		codec:      codec,
		tokens:     tokens,
		users:      users,
		publisher:  publisher,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssueInitialPair mints tokens right after registration, before the
// validation code is checked. The session is marked unconfirmed so
// the only operation it can drive is code validation.
func (s *SessionService) IssueInitialPair(ctx context.Context, u model.User) (Pair, error) {
	return s.issuePair(ctx, u, false)
}

// IssueConfirmedPair mints tokens after login or after validation
// code confirmation.
func (s *SessionService) IssueConfirmedPair(ctx context.Context, u model.User) (Pair, error) {
	return s.issuePair(ctx, u, true)
}

func (s *SessionService) issuePair(ctx context.Context, u model.User, confirmed bool) (Pair, error) {
	if u.AccountLocked {
		return Pair{}, ErrAccountLocked
	}
	recordID, err := s.tokens.Create(ctx, u.ID, time.Now().UTC().Add(s.refreshTTL))
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := s.codec.SignRefresh(token.Refresh{
		RecordID:  recordID,
		UserID:    u.ID,
		CompanyID: u.CompanyID,
	}, s.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	access, accessExp, err := s.codec.SignAccess(token.Access{
		UserID:        u.ID,
		Email:         u.Email,
		CompanyID:     u.CompanyID,
		RefreshID:     recordID,
		Confirmed:     confirmed,
		Administrator: confirmed && u.Administrator,
	}, s.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:    access,
		AccessExpires:  accessExp,
		RefreshToken:   refresh,
		RefreshExpires: refreshExp,
		RefreshID:      recordID,
	}, nil
}

// VerifyAccess validates an access token and resolves the caller's
// identity from its claims alone; no storage round-trip happens on
// this path. Expiry is not fatal to the caller: the request gate
// treats token.ErrExpiredToken as the signal to fall back to rotation.
func (s *SessionService) VerifyAccess(raw string, emulateExpiry bool) (Identity, error) {
	a, err := s.codec.VerifyAccess(raw, emulateExpiry)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:        a.UserID,
		Email:         a.Email,
		CompanyID:     a.CompanyID,
		Confirmed:     a.Confirmed,
		Administrator: a.Administrator,
		RefreshID:     a.RefreshID,
	}, nil
}

// Rotate consumes a refresh token and mints a replacement pair.
//
// The record delete happens before anything new is issued and is
// unconditional once the record is found: even if a later step
// fails, the old refresh token must not remain valid. The delete
// keyed by record id is also the arbiter between concurrent rotation
// attempts on the same token; exactly one caller observes the row.
//
// A delete that finds no row means the token was consumed once
// already. The account is locked, every remaining session of the
// subject is revoked, and ErrReplayDetected is returned.
func (s *SessionService) Rotate(ctx context.Context, rawRefresh string) (Pair, Identity, error) {
	ref, err := s.codec.VerifyRefresh(rawRefresh, false)
	if err != nil {
		return Pair{}, Identity{}, err
	}

	consumed, err := s.tokens.DeleteByID(ctx, ref.RecordID)
	if err != nil {
		return Pair{}, Identity{}, err
	}
	if !consumed {
		if err := s.onReplay(ctx, ref); err != nil {
			return Pair{}, Identity{}, err
		}
		return Pair{}, Identity{}, ErrReplayDetected
	}

	u, err := s.users.GetByID(ctx, ref.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The subject no longer exists; the token points at nothing.
			return Pair{}, Identity{}, token.ErrMalformedToken
		}
		return Pair{}, Identity{}, err
	}
	if u.AccountLocked {
		// The old record is already gone, which is the point: a
		// locked account must not keep a usable refresh token.
		return Pair{}, Identity{}, ErrAccountLocked
	}

	pair, err := s.issuePair(ctx, u, u.Confirmed)
	if err != nil {
		return Pair{}, Identity{}, err
	}
	identity := Identity{
		UserID:        u.ID,
		Email:         u.Email,
		CompanyID:     u.CompanyID,
		Confirmed:     u.Confirmed,
		Administrator: u.Confirmed && u.Administrator,
		RefreshID:     pair.RefreshID,
	}
	return pair, identity, nil
}

// onReplay locks the account, revokes the subject's remaining
// sessions and publishes an alert. Revoking the other sessions is a
// deliberate choice: a replayed token means the credential leaked,
// so every session of the subject is suspect.
func (s *SessionService) onReplay(ctx context.Context, ref token.Refresh) error {
	if err := s.users.Lock(ctx, ref.UserID); err != nil {
		return err
	}
	if err := s.tokens.DeleteAllForUser(ctx, ref.UserID); err != nil {
		return err
	}
	if s.publisher != nil {
		ev := queue.AccountLockedEvent{
			UserID:     ref.UserID,
			RefreshID:  ref.RecordID,
			DetectedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.publisher.PublishAccountLocked(ctx, ev); err != nil {
			// The lock itself succeeded; alerting is best effort.
			log.Printf("auth: account-locked publish failed for user %d: %v", ref.UserID, err)
		}
	}
	return nil
}

// Revoke deletes a refresh-token record (logout path). Idempotent:
// revoking an already-deleted record is not an error.
func (s *SessionService) Revoke(ctx context.Context, recordID string) error {
	_, err := s.tokens.DeleteByID(ctx, recordID)
	return err
}

// RevokeAllForUser terminates every session of a user.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID uint64) error {
	return s.tokens.DeleteAllForUser(ctx, userID)
}

// IsLocked reports whether the account-locked flag is set.
func (s *SessionService) IsLocked(ctx context.Context, userID uint64) (bool, error) {
	return s.users.IsLocked(ctx, userID)
}
