package middleware

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "sync"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/powimod/comaint/internal/api"
    "github.com/powimod/comaint/internal/auth"
    "github.com/powimod/comaint/internal/model"
    "github.com/powimod/comaint/internal/token"
)

// In-memory stores so the gate can be exercised end to end without a
// database.

type gateTokenStore struct {
    mu      sync.Mutex
    next    int
    records map[string]uint64
}

func newGateTokenStore() *gateTokenStore {
    return &gateTokenStore{records: map[string]uint64{}}
}

func (s *gateTokenStore) Create(_ context.Context, userID uint64, _ time.Time) (string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.next++
    id := fmt.Sprintf("rec-%d", s.next)
    s.records[id] = userID
    return id, nil
}

func (s *gateTokenStore) GetByID(_ context.Context, id string) (*model.RefreshToken, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    uid, ok := s.records[id]
    if !ok {
        return nil, nil
    }
    return &model.RefreshToken{ID: id, UserID: uid}, nil
}

func (s *gateTokenStore) DeleteByID(_ context.Context, id string) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    _, ok := s.records[id]
    delete(s.records, id)
    return ok, nil
}

func (s *gateTokenStore) DeleteAllForUser(_ context.Context, userID uint64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    for id, uid := range s.records {
        if uid == userID {
            delete(s.records, id)
        }
    }
    return nil
}

type gateUserStore struct {
    mu    sync.Mutex
    users map[uint64]model.User
}

func (s *gateUserStore) GetByID(_ context.Context, id uint64) (model.User, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.users[id], nil
}

func (s *gateUserStore) Lock(_ context.Context, id uint64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    u := s.users[id]
    u.AccountLocked = true
    s.users[id] = u
    return nil
}

func (s *gateUserStore) IsLocked(_ context.Context, id uint64) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.users[id].AccountLocked, nil
}

func gateFixture(t *testing.T, allowEmulation bool) (*echo.Echo, *auth.SessionService, model.User) {
    t.Helper()
    u := model.User{ID: 42, Email: "alice@example.com", Confirmed: true}
    users := &gateUserStore{users: map[uint64]model.User{u.ID: u}}
    svc := auth.NewSessionService(token.NewCodec("gate-test-secret"),
        newGateTokenStore(), users, nil, 15*time.Minute, 24*time.Hour)

    e := echo.New()
    e.Use(Session(svc, allowEmulation))
    e.GET("/probe", func(c echo.Context) error {
        return c.JSON(http.StatusOK, echo.Map{
            "user_id":   c.Get(CtxUserID),
            "email":     c.Get(CtxEmail),
            "connected": c.Get(CtxConnected),
        })
    })
    return e, svc, u
}

func TestGateAnonymousRequestPasses(t *testing.T) {
    e, _, _ := gateFixture(t, false)

    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    var body map[string]any
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
    assert.Equal(t, false, body["connected"])
    assert.Equal(t, "", body["email"])
    assert.Equal(t, float64(0), body["user_id"])
}

func TestGateAccessTokenResolvesIdentity(t *testing.T) {
    e, svc, u := gateFixture(t, false)
    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderAccessToken, pair.AccessToken)
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    var body map[string]any
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
    assert.Equal(t, true, body["connected"])
    assert.Equal(t, "alice@example.com", body["email"])

    // Stateless verification never renews anything.
    _, present := rec.Header()[http.CanonicalHeaderKey(api.HeaderAccessToken)]
    assert.False(t, present)
}

func TestGateRotationRenewsBothTokens(t *testing.T) {
    e, svc, u := gateFixture(t, false)
    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderRefreshToken, pair.RefreshToken)
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusOK, rec.Code)
    newAccess := rec.Header().Get(api.HeaderAccessToken)
    newRefresh := rec.Header().Get(api.HeaderRefreshToken)
    assert.NotEmpty(t, newAccess)
    assert.NotEmpty(t, newRefresh)
    assert.NotEqual(t, pair.RefreshToken, newRefresh)
}

func TestGateGuardRejectionStillDeliversRenewedPair(t *testing.T) {
    e, svc, u := gateFixture(t, false)
    e.GET("/admin-probe", func(c echo.Context) error {
        return c.JSON(http.StatusOK, echo.Map{})
    }, RequireAdministrator())

    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    // Rotation happens before the guard runs; the old record is
    // consumed, so the renewed pair must reach the client even on
    // the 403 or it is left holding a dead refresh token.
    req := httptest.NewRequest(http.MethodGet, "/admin-probe", nil)
    req.Header.Set(api.HeaderRefreshToken, pair.RefreshToken)
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusForbidden, rec.Code)
    assert.NotEmpty(t, rec.Header().Get(api.HeaderAccessToken))
    newRefresh := rec.Header().Get(api.HeaderRefreshToken)
    require.NotEmpty(t, newRefresh)
    assert.NotEqual(t, pair.RefreshToken, newRefresh)

    // The renewed token is live: rotating it succeeds.
    req = httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderRefreshToken, newRefresh)
    rec = httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code)

    locked, err := svc.IsLocked(context.Background(), u.ID)
    require.NoError(t, err)
    assert.False(t, locked)
}

func TestGateReplayClearsBothAndLocks(t *testing.T) {
    e, svc, u := gateFixture(t, false)
    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    // First rotation consumes the record.
    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderRefreshToken, pair.RefreshToken)
    e.ServeHTTP(httptest.NewRecorder(), req)

    // Replaying the same token must fail and instruct the client to
    // discard everything.
    req = httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderRefreshToken, pair.RefreshToken)
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusUnauthorized, rec.Code)
    var body api.ErrorResponse
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
    assert.Equal(t, api.KindInvalidToken, body.Error)
    assert.Equal(t, "", rec.Header().Get(api.HeaderAccessToken))
    vals := rec.Header()[http.CanonicalHeaderKey(api.HeaderRefreshToken)]
    require.Len(t, vals, 1)
    assert.Equal(t, "", vals[0])

    locked, err := svc.IsLocked(context.Background(), u.ID)
    require.NoError(t, err)
    assert.True(t, locked)
}

func TestGateExpiredAccessClearsAccessOnly(t *testing.T) {
    e, svc, u := gateFixture(t, true)
    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderAccessToken, pair.AccessToken)
    req.Header.Set(api.HeaderEmulateExpiry, "1")
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    require.Equal(t, http.StatusUnauthorized, rec.Code)
    var body api.ErrorResponse
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
    assert.Equal(t, api.KindExpiredToken, body.Error)

    // Access token is cleared, the refresh token header is untouched
    // so the client can retry with it.
    accessVals := rec.Header()[http.CanonicalHeaderKey(api.HeaderAccessToken)]
    require.Len(t, accessVals, 1)
    assert.Equal(t, "", accessVals[0])
    _, refreshPresent := rec.Header()[http.CanonicalHeaderKey(api.HeaderRefreshToken)]
    assert.False(t, refreshPresent)
}

func TestGateEmulationIgnoredWhenDisabled(t *testing.T) {
    e, svc, u := gateFixture(t, false)
    pair, err := svc.IssueConfirmedPair(context.Background(), u)
    require.NoError(t, err)

    req := httptest.NewRequest(http.MethodGet, "/probe", nil)
    req.Header.Set(api.HeaderAccessToken, pair.AccessToken)
    req.Header.Set(api.HeaderEmulateExpiry, "1")
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)

    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateMalformedTokensRejected(t *testing.T) {
    e, _, _ := gateFixture(t, false)

    for _, header := range []string{api.HeaderAccessToken, api.HeaderRefreshToken} {
        req := httptest.NewRequest(http.MethodGet, "/probe", nil)
        req.Header.Set(header, "not-a-jwt")
        rec := httptest.NewRecorder()
        e.ServeHTTP(rec, req)

        require.Equal(t, http.StatusUnauthorized, rec.Code, header)
        var body api.ErrorResponse
        require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
        assert.Equal(t, api.KindInvalidToken, body.Error, header)
    }
}
