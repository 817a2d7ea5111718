package model

// IdentityContext is the caller-visible summary of "who is signed in
// and with what privileges". The server recomputes it on every
// state-changing auth event (register, validate, login, logout,
// rotation) and embeds it in the response under a reserved field so
// the client can keep its own view synchronized.
//
// Invariant: Connected == false implies Email is empty and
// Administrator is false.
type IdentityContext struct {
    Email          string `json:"email"`
    Connected      bool   `json:"connected"`
    Administrator  bool   `json:"administrator"`
    CompanyPresent bool   `json:"company_present"`
}

// AnonymousContext returns the context pushed after logout or when no
// one is signed in.
func AnonymousContext() IdentityContext {
    return IdentityContext{}
}
