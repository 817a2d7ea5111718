// Package api defines the wire-level contract shared by the server
// middleware and the client session agent: credential header names,
// the reserved response field carrying identity-context updates, and
// the error payload shape.
package api

// Credential transport headers. A request carries at most one of the
// two kinds; a response carries zero, one or two renewed tokens.
const (
    HeaderAccessToken  = "X-Access-Token"
    HeaderRefreshToken = "X-Refresh-Token"

    // HeaderEmulateExpiry forces access-token verification to report
    // expiry without inspecting the token. Honored only when the
    // server runs with emulation enabled (rotation drills, tests).
    HeaderEmulateExpiry = "X-Emulate-Expired-Token"
)

// ContextField is the reserved top-level response field carrying an
// identity-context update. The client agent strips it before handing
// the payload to its caller.
const ContextField = "context"

// ErrorKind identifies a failure class to the client. The client's
// one-shot retry is keyed specifically on ExpiredToken.
type ErrorKind string

const (
    KindExpiredToken ErrorKind = "ExpiredToken"
    KindInvalidToken ErrorKind = "InvalidToken"
    KindUnauthorized ErrorKind = "UnauthorizedError"
    KindInternal     ErrorKind = "InternalError"

    KindInvalidRequest  ErrorKind = "InvalidRequest"
    KindTooManyRequests ErrorKind = "TooManyRequests"
)

// ErrorResponse is the body of every non-2xx response. A non-2xx
// response lacking both fields is a protocol violation.
type ErrorResponse struct {
    Message string    `json:"message"`
    Error   ErrorKind `json:"error"`
}
