package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "errors"   // sentinel error matching against auth/token failures
    "net/http" // HTTP status codes for responses

    "github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

    "github.com/powimod/comaint/internal/api"
    "github.com/powimod/comaint/internal/auth"
    "github.com/powimod/comaint/internal/model"
    "github.com/powimod/comaint/internal/token"
)

// Echo context keys populated by the Session middleware. Every key is
// set on every request, with zero values for anonymous callers, so
// downstream guards can assert their presence unconditionally.
const (
    CtxUserID        = "user_id"       // uint64, 0 when anonymous
    CtxEmail         = "email"         // string, "" when anonymous
    CtxCompanyID     = "company_id"    // *uint64, nil when none
    CtxConnected     = "connected"     // bool
    CtxConfirmed     = "confirmed"     // bool
    CtxAdministrator = "administrator" // bool
    CtxRefreshID     = "refresh_id"    // string, record id of the session's refresh token

    // ctxStagedContext holds an identity-context update staged for
    // the response body; the respond helper merges it under the
    // reserved field.
    ctxStagedContext = "staged_identity_context"
)

// Session returns the request gate: it runs ahead of every route,
// resolves the caller's identity from the credential headers, stages
// renewed credentials on the response, and leaves the identity keys
// fully initialized for downstream guards and handlers.
//
// allowEmulation enables the expiry-emulation header used by
// forced-rotation drills; keep it off outside dev environments.
func Session(svc *auth.SessionService, allowEmulation bool) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            // Identity keys are always initialized, never left unset.
            setAnonymous(c)

            // A refresh token takes priority: its presence means the
            // client is asking for rotation.
            if refresh := c.Request().Header.Get(api.HeaderRefreshToken); refresh != "" {
                return rotateAndContinue(c, svc, refresh, next)
            }

            if access := c.Request().Header.Get(api.HeaderAccessToken); access != "" {
                emulate := allowEmulation && c.Request().Header.Get(api.HeaderEmulateExpiry) != ""
                return verifyAndContinue(c, svc, access, emulate, next)
            }

            // No credential at all: valid for public operations.
            // Authorization is enforced by per-route guards.
            return next(c)
        }
    }
}

func rotateAndContinue(c echo.Context, svc *auth.SessionService, refresh string, next echo.HandlerFunc) error {
    pair, identity, err := svc.Rotate(c.Request().Context(), refresh)
    switch {
    case err == nil:
        setIdentity(c, identity)
        // Renewed credentials travel back on the response headers;
        // rotation is a state-changing event so a context update is
        // staged as well.
        h := c.Response().Header()
        h.Set(api.HeaderAccessToken, pair.AccessToken)
        h.Set(api.HeaderRefreshToken, pair.RefreshToken)
        StageContext(c, identity.Context(true))
        return next(c)

    case errors.Is(err, auth.ErrReplayDetected):
        // The credential was stolen or the client is broken; either
        // way the stored bundle is garbage now.
        clearTokens(c, true)
        return respondError(c, http.StatusUnauthorized, api.KindInvalidToken,
            "invalid credential, please sign in again")

    case errors.Is(err, auth.ErrAccountLocked):
        clearTokens(c, true)
        return respondError(c, http.StatusUnauthorized, api.KindUnauthorized,
            "account locked, please contact an administrator")

    case errors.Is(err, token.ErrExpiredToken):
        clearTokens(c, false)
        return respondError(c, http.StatusUnauthorized, api.KindExpiredToken,
            "refresh token expired, please sign in again")

    case errors.Is(err, token.ErrMalformedToken), errors.Is(err, token.ErrWrongKind):
        clearTokens(c, false)
        return respondError(c, http.StatusUnauthorized, api.KindInvalidToken,
            "invalid refresh token")

    default:
        return respondError(c, http.StatusInternalServerError, api.KindInternal,
            "session rotation failed")
    }
}

func verifyAndContinue(c echo.Context, svc *auth.SessionService, access string, emulate bool, next echo.HandlerFunc) error {
    identity, err := svc.VerifyAccess(access, emulate)
    switch {
    case err == nil:
        // Identity comes straight from the verified claims; no
        // database round-trip and no context update on this path.
        setIdentity(c, identity)
        return next(c)

    case errors.Is(err, token.ErrExpiredToken):
        // Only the access token is cleared: the refresh token the
        // client may hold remains usable for its own retry.
        clearTokens(c, false)
        return respondError(c, http.StatusUnauthorized, api.KindExpiredToken,
            "access token expired")

    default:
        clearTokens(c, false)
        return respondError(c, http.StatusUnauthorized, api.KindInvalidToken,
            "invalid access token")
    }
}

func setAnonymous(c echo.Context) {
    c.Set(CtxUserID, uint64(0))
    c.Set(CtxEmail, "")
    c.Set(CtxCompanyID, (*uint64)(nil))
    c.Set(CtxConnected, false)
    c.Set(CtxConfirmed, false)
    c.Set(CtxAdministrator, false)
    c.Set(CtxRefreshID, "")
}

func setIdentity(c echo.Context, id auth.Identity) {
    c.Set(CtxUserID, id.UserID)
    c.Set(CtxEmail, id.Email)
    c.Set(CtxCompanyID, id.CompanyID)
    c.Set(CtxConnected, true)
    c.Set(CtxConfirmed, id.Confirmed)
    c.Set(CtxAdministrator, id.Administrator)
    c.Set(CtxRefreshID, id.RefreshID)
}

// StageContext schedules an identity-context update for inclusion in
// the response body. Handlers performing state-changing auth events
// call this; the respond helper merges the staged value under the
// reserved field.
func StageContext(c echo.Context, ctx model.IdentityContext) {
    c.Set(ctxStagedContext, ctx)
}

// StagedContext returns the staged identity-context update, if any.
func StagedContext(c echo.Context) (model.IdentityContext, bool) {
    v, ok := c.Get(ctxStagedContext).(model.IdentityContext)
    return v, ok
}

// clearTokens stages cleared credentials for the caller. An empty
// header value instructs the client to drop the corresponding token;
// both=true additionally drops the refresh token.
func clearTokens(c echo.Context, both bool) {
    h := c.Response().Header()
    h.Set(api.HeaderAccessToken, "")
    if both {
        h.Set(api.HeaderRefreshToken, "")
    }
}

func respondError(c echo.Context, status int, kind api.ErrorKind, message string) error {
    return c.JSON(status, api.ErrorResponse{Message: message, Error: kind})
}
