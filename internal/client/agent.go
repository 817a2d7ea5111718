// Package client implements the session agent first-party Comaint
// clients embed: it attaches credentials to outgoing requests,
// performs the one-shot retry when the server reports an expired
// access token, persists renewed credentials through a caller-supplied
// storage, and notifies an observer whenever the identity context
// changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/powimod/comaint/internal/api"
	"github.com/powimod/comaint/internal/model"
)

var (
	// ErrCommunication wraps transport-level failures (no response at
	// all). Never retried: without a response there is nothing to key
	// a retry on.
	ErrCommunication = errors.New("communication error")

	// ErrInvalidResponse marks a server contract violation, such as a
	// non-2xx response without the error payload shape. Always a bug
	// signal.
	ErrInvalidResponse = errors.New("invalid server response")

	// ErrPartialBundle is raised when the storage returns a bundle
	// with some but not all fields set. That state is unreachable
	// through the agent; observing it means a programming error in
	// the embedding application.
	ErrPartialBundle = errors.New("partially populated credential bundle")
)

// APIError is a failure reported by the server with the uniform
// error payload.
type APIError struct {
	Status  int
	Kind    api.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Kind, e.Status)
}

// Bundle is the persisted credential set. The three fields are
// invariant as a set: either all are zero (fresh session) or all are
// populated together.
type Bundle struct {
	AccessToken  string                 `json:"access_token"`
	RefreshToken string                 `json:"refresh_token"`
	Context      *model.IdentityContext `json:"context"`
}

// Empty reports whether no credentials are stored.
func (b Bundle) Empty() bool {
	return b.AccessToken == "" && b.RefreshToken == "" && b.Context == nil
}

func (b Bundle) complete() bool {
	return b.AccessToken != "" && b.RefreshToken != "" && b.Context != nil
}

func (b Bundle) validate() error {
	if b.Empty() || b.complete() {
		return nil
	}
	return ErrPartialBundle
}

// Storage persists the credential bundle between calls. It is the
// single source of truth for "is anyone logged in"; the agent never
// chooses its own persistence mechanism.
type Storage interface {
	Load() (Bundle, error)
	Save(Bundle) error
}

// ContextObserver receives identity-context updates pushed by the
// server. Optional; nil disables notification.
type ContextObserver interface {
	OnContextChanged(model.IdentityContext)
}

// Agent drives the credential protocol for one logical client. Safe
// for concurrent calls as long as the supplied Storage is; each call
// carries its own retry budget.
type Agent struct {
	baseURL  string
	http     *http.Client
	storage  Storage
	observer ContextObserver
}

// New returns an agent talking to baseURL. httpClient may be nil, in
// which case a client with a 30 second timeout is used.
func New(baseURL string, storage Storage, observer ContextObserver, httpClient *http.Client) *Agent {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Agent{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		storage:  storage,
		observer: observer,
	}
}

// retryState is the per-call retry budget: exactly one transition
// from notTried to tried, never back.
type retryState int

const (
	retryNotTried retryState = iota
	retryTried
)

// Call performs an authorized request. The stored access token is
// attached; when the server reports it expired and a refresh token is
// known, the same logical request is resent once with the refresh
// token instead. The decoded payload lands in out (may be nil).
func (a *Agent) Call(ctx context.Context, method, path string, body, out any) error {
	return a.call(ctx, method, path, body, out, true)
}

// CallPublic performs a request for an operation that needs no
// authorization: no token is attached and no retry occurs. Renewed
// credentials and context updates in the response are still applied,
// which is how login and register prime the stored bundle.
func (a *Agent) CallPublic(ctx context.Context, method, path string, body, out any) error {
	return a.call(ctx, method, path, body, out, false)
}

func (a *Agent) call(ctx context.Context, method, path string, body, out any, authorized bool) error {
	bundle, err := a.storage.Load()
	if err != nil {
		return err
	}
	if err := bundle.validate(); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	state := retryNotTried
	credential := ""
	credentialHeader := api.HeaderAccessToken
	if authorized {
		credential = bundle.AccessToken
	}

	for {
		resp, err := a.send(ctx, method, path, payload, credentialHeader, credential)
		if err != nil {
			// Transport failure: surface immediately, no retry and
			// no token mutation.
			return fmt.Errorf("%w: %v", ErrCommunication, err)
		}

		if resp.status >= 200 && resp.status < 300 {
			return a.applySuccess(resp, bundle, out)
		}

		apiErr, err := resp.decodeError()
		if err != nil {
			return err
		}

		if authorized && state == retryNotTried &&
			apiErr.Kind == api.KindExpiredToken &&
			credentialHeader == api.HeaderAccessToken &&
			bundle.RefreshToken != "" {
			// The access token aged out; spend the call's single
			// retry on the refresh token.
			state = retryTried
			credentialHeader = api.HeaderRefreshToken
			credential = bundle.RefreshToken
			continue
		}

		a.applyFailure(resp, bundle)
		return apiErr
	}
}

// response captures everything the protocol needs from an HTTP
// response after the body has been read.
type response struct {
	status  int
	header  http.Header
	body    []byte
}

func (a *Agent) send(ctx context.Context, method, path string, payload []byte, credHeader, credential string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set(credHeader, credential)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: buf.Bytes()}, nil
}

// decodeError parses the uniform error payload. A non-2xx response
// lacking both fields is itself a protocol violation.
func (r *response) decodeError() (*APIError, error) {
	var body api.ErrorResponse
	if err := json.Unmarshal(r.body, &body); err != nil || (body.Message == "" && body.Error == "") {
		return nil, fmt.Errorf("%w: http %d without error payload", ErrInvalidResponse, r.status)
	}
	return &APIError{Status: r.status, Kind: body.Error, Message: body.Message}, nil
}

// tokenHeader distinguishes an absent renewal header from a present
// but empty one; an empty value is the instruction to drop the token.
func (r *response) tokenHeader(name string) (string, bool) {
	vals, ok := r.header[http.CanonicalHeaderKey(name)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// applySuccess persists renewed credentials, delivers any embedded
// context update and decodes the remaining payload into out.
func (a *Agent) applySuccess(resp *response, bundle Bundle, out any) error {
	payload := map[string]json.RawMessage{}
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	// Strip the reserved context field before the payload reaches the
	// caller.
	var ctxUpdate *model.IdentityContext
	if raw, ok := payload[api.ContextField]; ok {
		delete(payload, api.ContextField)
		var ic model.IdentityContext
		if err := json.Unmarshal(raw, &ic); err != nil {
			return fmt.Errorf("%w: bad context field: %v", ErrInvalidResponse, err)
		}
		ctxUpdate = &ic
	}

	access, haveAccess := resp.tokenHeader(api.HeaderAccessToken)
	refresh, haveRefresh := resp.tokenHeader(api.HeaderRefreshToken)

	switch {
	case haveAccess && access == "" && haveRefresh && refresh == "":
		// Full clear: the session ended (logout).
		if err := a.persist(Bundle{}, ctxUpdate); err != nil {
			return err
		}

	case haveAccess && access != "" && haveRefresh && refresh != "":
		next := Bundle{AccessToken: access, RefreshToken: refresh, Context: bundle.Context}
		if ctxUpdate != nil {
			next.Context = ctxUpdate
		}
		if next.Context == nil {
			// Tokens without any context, stored or embedded, cannot
			// satisfy the all-or-nothing bundle invariant.
			return fmt.Errorf("%w: credentials renewed without identity context", ErrInvalidResponse)
		}
		if err := a.persist(next, ctxUpdate); err != nil {
			return err
		}

	default:
		// No credential change; a context update alone still gets
		// persisted alongside the existing tokens.
		if ctxUpdate != nil && bundle.complete() {
			next := bundle
			next.Context = ctxUpdate
			if err := a.persist(next, ctxUpdate); err != nil {
				return err
			}
		} else if ctxUpdate != nil {
			a.notify(*ctxUpdate)
		}
	}

	if out == nil {
		return nil
	}
	rest, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rest, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// applyFailure honors credential instructions that arrive on error
// responses. The server clears both headers on replay detection and
// account lock; it can also deliver a renewed pair when rotation
// succeeded but a guard rejected the request afterwards. Anything
// else leaves the bundle untouched, so a transiently failing call
// never wipes a valid session.
func (a *Agent) applyFailure(resp *response, bundle Bundle) {
	access, haveAccess := resp.tokenHeader(api.HeaderAccessToken)
	refresh, haveRefresh := resp.tokenHeader(api.HeaderRefreshToken)
	switch {
	case haveAccess && access == "" && haveRefresh && refresh == "":
		// Best effort; the call is already failing with the server's
		// error either way.
		_ = a.persist(Bundle{}, nil)

	case haveAccess && access != "" && haveRefresh && refresh != "":
		// The old refresh token was consumed by the rotation even
		// though the request itself failed. Dropping the renewed pair
		// here would replay the consumed token on the next call and
		// lock the account.
		if bundle.Context != nil {
			_ = a.persist(Bundle{
				AccessToken:  access,
				RefreshToken: refresh,
				Context:      bundle.Context,
			}, nil)
		}
	}
}

func (a *Agent) persist(b Bundle, ctxUpdate *model.IdentityContext) error {
	if err := a.storage.Save(b); err != nil {
		return err
	}
	switch {
	case ctxUpdate != nil:
		a.notify(*ctxUpdate)
	case b.Empty():
		a.notify(model.AnonymousContext())
	}
	return nil
}

func (a *Agent) notify(ctx model.IdentityContext) {
	if a.observer != nil {
		a.observer.OnContextChanged(ctx)
	}
}
