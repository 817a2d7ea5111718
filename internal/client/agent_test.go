package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powimod/comaint/internal/api"
	"github.com/powimod/comaint/internal/model"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	mu     sync.Mutex
	bundle Bundle
	saves  int
}

func (s *memStorage) Load() (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle, nil
}

func (s *memStorage) Save(b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = b
	s.saves++
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	contexts []model.IdentityContext
}

func (o *recordingObserver) OnContextChanged(ic model.IdentityContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contexts = append(o.contexts, ic)
}

func (o *recordingObserver) last() (model.IdentityContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.contexts) == 0 {
		return model.IdentityContext{}, false
	}
	return o.contexts[len(o.contexts)-1], true
}

func connectedBundle() Bundle {
	return Bundle{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Context:      &model.IdentityContext{Email: "bob@example.com", Connected: true},
	}
}

func writeError(w http.ResponseWriter, status int, kind api.ErrorKind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Message: msg, Error: kind})
}

func TestCallAttachesAccessToken(t *testing.T) {
	var gotAccess, gotRefresh string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccess = r.Header.Get(api.HeaderAccessToken)
		gotRefresh = r.Header.Get(api.HeaderRefreshToken)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	agent := New(srv.URL, st, nil, srv.Client())

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, "access-1", gotAccess)
	assert.Empty(t, gotRefresh)
}

func TestCallRetriesOnceOnExpiredToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get(api.HeaderRefreshToken) == "" {
			writeError(w, http.StatusUnauthorized, api.KindExpiredToken, "expired token")
			return
		}
		// Second attempt carries the refresh token; answer with a
		// renewed pair and context like the real gate does.
		assert.Equal(t, "refresh-1", r.Header.Get(api.HeaderRefreshToken))
		w.Header().Set(api.HeaderAccessToken, "access-2")
		w.Header().Set(api.HeaderRefreshToken, "refresh-2")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":            true,
			api.ContextField: model.IdentityContext{Email: "bob@example.com", Connected: true},
		})
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	obs := &recordingObserver{}
	agent := New(srv.URL, st, obs, srv.Client())

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, agent.Call(context.Background(), http.MethodPost, "/api/v1/things", map[string]string{"a": "b"}, &out))
	assert.Equal(t, 2, calls)
	assert.True(t, out.OK)

	assert.Equal(t, "access-2", st.bundle.AccessToken)
	assert.Equal(t, "refresh-2", st.bundle.RefreshToken)

	last, ok := obs.last()
	require.True(t, ok)
	assert.True(t, last.Connected)
	assert.Equal(t, "bob@example.com", last.Email)
}

func TestCallRetriesAtMostOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeError(w, http.StatusUnauthorized, api.KindExpiredToken, "expired token")
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	agent := New(srv.URL, st, nil, srv.Client())

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindExpiredToken, apiErr.Kind)
	assert.Equal(t, 2, calls)
}

func TestCallNoRetryWithoutRefreshToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeError(w, http.StatusUnauthorized, api.KindExpiredToken, "expired token")
	}))
	defer srv.Close()

	st := &memStorage{} // fresh session, nothing stored
	agent := New(srv.URL, st, nil, srv.Client())

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1, calls)
}

func TestCallPublicPrimesBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(api.HeaderAccessToken))
		w.Header().Set(api.HeaderAccessToken, "access-1")
		w.Header().Set(api.HeaderRefreshToken, "refresh-1")
		json.NewEncoder(w).Encode(map[string]any{
			"user":          map[string]any{"email": "bob@example.com"},
			api.ContextField: model.IdentityContext{Email: "bob@example.com", Connected: true},
		})
	}))
	defer srv.Close()

	st := &memStorage{}
	obs := &recordingObserver{}
	agent := New(srv.URL, st, obs, srv.Client())

	var out struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	require.NoError(t, agent.CallPublic(context.Background(), http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "bob@example.com"}, &out))

	// Reserved field stripped from the payload, delivered via observer.
	assert.Equal(t, "bob@example.com", out.User.Email)
	require.True(t, st.bundle.complete())
	assert.Equal(t, "access-1", st.bundle.AccessToken)
	last, ok := obs.last()
	require.True(t, ok)
	assert.True(t, last.Connected)
}

func TestLogoutClearsBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(api.HeaderAccessToken, "")
		w.Header().Set(api.HeaderRefreshToken, "")
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	obs := &recordingObserver{}
	agent := New(srv.URL, st, obs, srv.Client())

	require.NoError(t, agent.Call(context.Background(), http.MethodPost, "/api/v1/auth/logout", nil, nil))
	assert.True(t, st.bundle.Empty())
	last, ok := obs.last()
	require.True(t, ok)
	assert.False(t, last.Connected)
	assert.Empty(t, last.Email)
}

func TestReplayRejectionDiscardsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(api.HeaderAccessToken, "")
		w.Header().Set(api.HeaderRefreshToken, "")
		writeError(w, http.StatusUnauthorized, api.KindInvalidToken, "invalid credential, please sign in again")
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	obs := &recordingObserver{}
	agent := New(srv.URL, st, obs, srv.Client())

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindInvalidToken, apiErr.Kind)
	assert.True(t, st.bundle.Empty())
	last, ok := obs.last()
	require.True(t, ok)
	assert.False(t, last.Connected)
}

func TestGuardRejectionAfterRotationKeepsRenewedPair(t *testing.T) {
	// The gate rotates the refresh token before route guards run, so
	// a 403 can arrive carrying a freshly renewed pair. The old
	// refresh token is consumed at that point; the agent must adopt
	// the new one or the next expiry retry would replay a dead token
	// and lock the account.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get(api.HeaderRefreshToken) == "refresh-1":
			w.Header().Set(api.HeaderAccessToken, "access-2")
			w.Header().Set(api.HeaderRefreshToken, "refresh-2")
			writeError(w, http.StatusForbidden, api.KindUnauthorized, "administrator required")
		case r.Header.Get(api.HeaderAccessToken) != "":
			writeError(w, http.StatusUnauthorized, api.KindExpiredToken, "access token expired")
		default:
			t.Errorf("unexpected credentials: %v", r.Header)
			writeError(w, http.StatusUnauthorized, api.KindInvalidToken, "invalid token")
		}
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	agent := New(srv.URL, st, nil, srv.Client())

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/admin/accounts/7/unlock", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindUnauthorized, apiErr.Kind)

	// The consumed refresh-1 is gone; the renewed pair took its place
	// with the context carried forward.
	require.True(t, st.bundle.complete())
	assert.Equal(t, "access-2", st.bundle.AccessToken)
	assert.Equal(t, "refresh-2", st.bundle.RefreshToken)
	assert.Equal(t, "bob@example.com", st.bundle.Context.Email)
}

func TestCommunicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	st := &memStorage{bundle: connectedBundle()}
	agent := New(srv.URL, st, nil, nil)

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	require.ErrorIs(t, err, ErrCommunication)
	// A dead network never wipes stored credentials.
	assert.True(t, st.bundle.complete())
}

func TestInvalidErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<html>nope</html>"))
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	agent := New(srv.URL, st, nil, srv.Client())

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestPartialBundleIsRejected(t *testing.T) {
	st := &memStorage{bundle: Bundle{AccessToken: "only-access"}}
	agent := New("http://localhost:0", st, nil, nil)

	err := agent.Call(context.Background(), http.MethodGet, "/api/v1/things", nil, nil)
	require.ErrorIs(t, err, ErrPartialBundle)
}

func TestContextOnlyUpdateKeepsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":            true,
			api.ContextField: model.IdentityContext{Email: "bob@example.com", Connected: true, Administrator: true},
		})
	}))
	defer srv.Close()

	st := &memStorage{bundle: connectedBundle()}
	obs := &recordingObserver{}
	agent := New(srv.URL, st, obs, srv.Client())

	require.NoError(t, agent.Call(context.Background(), http.MethodGet, "/api/v1/auth/context", nil, nil))
	assert.Equal(t, "access-1", st.bundle.AccessToken)
	require.NotNil(t, st.bundle.Context)
	assert.True(t, st.bundle.Context.Administrator)
}
