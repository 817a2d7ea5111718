package token // package token signs and verifies the two credential kinds used by the API

import (
    "errors"  // sentinel error values for expected verification failures
    "strconv" // user IDs travel as strings inside the JWT subject claim
    "time"    // expiry computation

    "github.com/golang-jwt/jwt/v5" // JWT library for creating and parsing signed tokens
)

// Kind distinguishes the two credential kinds minted by the codec.
// Access tokens authorize individual requests without a storage
// lookup; refresh tokens are single-use and backed by a database row.
type Kind string

const (
    KindAccess  Kind = "access"
    KindRefresh Kind = "refresh"
)

// Expected verification failures. Expiry is a normal signal (the
// request gate falls back to rotation), so it gets its own sentinel
// rather than being folded into ErrMalformedToken.
var (
    ErrExpiredToken   = errors.New("token expired")
    ErrMalformedToken = errors.New("malformed token")
    ErrWrongKind      = errors.New("wrong token kind")
)

// Access carries the verified payload of an access token. It is
// never persisted server-side; everything downstream authorization
// needs is embedded in the signed claims so the hot path stays free
// of database round-trips.
type Access struct {
    UserID        uint64
    Email         string
    CompanyID     *uint64 // nil when the user has no company yet
    RefreshID     string  // record id of the companion refresh token
    Confirmed     bool
    Administrator bool
    IssuedAt      time.Time
    ExpiresAt     time.Time
}

// Refresh carries the verified payload of a refresh token. RecordID
// is the primary key of the refresh_tokens row; a refresh token is
// only valid while that row still exists.
type Refresh struct {
    RecordID  string
    UserID    uint64
    CompanyID *uint64
    ExpiresAt time.Time
}

// claims is the wire shape of both token kinds. RegisteredClaims
// provides sub/iat/exp; the kind claim prevents a refresh token from
// being accepted where an access token is expected and vice versa.
type claims struct {
    Kind          Kind    `json:"kind"`
    Email         string  `json:"email,omitempty"`
    CompanyID     *uint64 `json:"company_id,omitempty"`
    RefreshID     string  `json:"refresh_id,omitempty"`
    Confirmed     bool    `json:"confirmed,omitempty"`
    Administrator bool    `json:"administrator,omitempty"`
    jwt.RegisteredClaims
}

// Codec signs and verifies HS256 tokens with a single shared secret.
// It is a pure function of the secret and the clock; it performs no I/O.
type Codec struct {
    secret []byte
}

// NewCodec returns a codec signing with the given secret. The secret
// must match between issuance and verification.
func NewCodec(secret string) *Codec {
    return &Codec{secret: []byte(secret)}
}

// SignAccess builds and signs an access token from the given payload.
// IssuedAt and ExpiresAt on the input are ignored; they are derived
// from the current UTC time and the TTL. The returned expiry matches
// the exp claim embedded in the token.
func (c *Codec) SignAccess(a Access, ttl time.Duration) (string, time.Time, error) {
    now := time.Now().UTC()
    exp := now.Add(ttl)
    cl := claims{
        Kind:          KindAccess,
        Email:         a.Email,
        CompanyID:     a.CompanyID,
        RefreshID:     a.RefreshID,
        Confirmed:     a.Confirmed,
        Administrator: a.Administrator,
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   strconv.FormatUint(a.UserID, 10),
            IssuedAt:  jwt.NewNumericDate(now),
            ExpiresAt: jwt.NewNumericDate(exp),
        },
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
    if err != nil {
        return "", time.Time{}, err
    }
    return signed, exp, nil
}

// SignRefresh builds and signs a refresh token. The record id of the
// backing refresh_tokens row is embedded so the server can locate and
// consume the row on rotation.
func (c *Codec) SignRefresh(r Refresh, ttl time.Duration) (string, time.Time, error) {
    now := time.Now().UTC()
    exp := now.Add(ttl)
    cl := claims{
        Kind:      KindRefresh,
        CompanyID: r.CompanyID,
        RefreshID: r.RecordID,
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   strconv.FormatUint(r.UserID, 10),
            IssuedAt:  jwt.NewNumericDate(now),
            ExpiresAt: jwt.NewNumericDate(exp),
        },
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
    if err != nil {
        return "", time.Time{}, err
    }
    return signed, exp, nil
}

// VerifyAccess checks signature, expiry and kind of an access token
// and returns its payload. emulateExpiry short-circuits straight to
// ErrExpiredToken without inspecting the token at all; it is used to
// exercise the rotation path in drills and tests.
func (c *Codec) VerifyAccess(raw string, emulateExpiry bool) (Access, error) {
    if emulateExpiry {
        return Access{}, ErrExpiredToken
    }
    cl, err := c.parse(raw, KindAccess)
    if err != nil {
        return Access{}, err
    }
    uid, err := strconv.ParseUint(cl.Subject, 10, 64)
    if err != nil {
        return Access{}, ErrMalformedToken
    }
    return Access{
        UserID:        uid,
        Email:         cl.Email,
        CompanyID:     cl.CompanyID,
        RefreshID:     cl.RefreshID,
        Confirmed:     cl.Confirmed,
        Administrator: cl.Administrator,
        IssuedAt:      cl.IssuedAt.Time,
        ExpiresAt:     cl.ExpiresAt.Time,
    }, nil
}

// VerifyRefresh checks signature, expiry and kind of a refresh token.
// This is the structural check only; whether the backing row still
// exists is the session authority's business.
func (c *Codec) VerifyRefresh(raw string, emulateExpiry bool) (Refresh, error) {
    if emulateExpiry {
        return Refresh{}, ErrExpiredToken
    }
    cl, err := c.parse(raw, KindRefresh)
    if err != nil {
        return Refresh{}, err
    }
    uid, err := strconv.ParseUint(cl.Subject, 10, 64)
    if err != nil {
        return Refresh{}, ErrMalformedToken
    }
    if cl.RefreshID == "" {
        return Refresh{}, ErrMalformedToken
    }
    return Refresh{
        RecordID:  cl.RefreshID,
        UserID:    uid,
        CompanyID: cl.CompanyID,
        ExpiresAt: cl.ExpiresAt.Time,
    }, nil
}

// parse validates signature and expiry, then enforces the kind claim.
// All parse failures except expiry collapse into ErrMalformedToken;
// callers never see raw jwt library errors.
func (c *Codec) parse(raw string, want Kind) (*claims, error) {
    cl := &claims{}
    tok, err := jwt.ParseWithClaims(raw, cl, func(t *jwt.Token) (interface{}, error) {
        // Reject tokens signed with anything but HMAC; accepting the
        // algorithm from the token itself would let a client pick "none".
        if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, ErrMalformedToken
        }
        return c.secret, nil
    })
    if err != nil {
        if errors.Is(err, jwt.ErrTokenExpired) {
            return nil, ErrExpiredToken
        }
        return nil, ErrMalformedToken
    }
    if !tok.Valid {
        return nil, ErrMalformedToken
    }
    if cl.Kind != want {
        return nil, ErrWrongKind
    }
    if cl.ExpiresAt == nil || cl.IssuedAt == nil {
        return nil, ErrMalformedToken
    }
    return cl, nil
}
