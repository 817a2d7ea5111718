package model

import "time"

// User represents an application user record as stored in the
// `users` table. Each field corresponds to a column in the
// database. The json tags are omitted because these structs are
// used internally by the repository layer; handlers define their
// own response types with appropriate JSON tags.
//
// A user may belong to a company (the tenant); CompanyID is nil
// for users that have not joined one yet. AccountLocked is set
// when refresh-token reuse is detected for the account and blocks
// any further token issuance until cleared by an administrator.
//
// Fields:
//  ID             – primary key identifier of the user.
//  Email          – unique email address.
//  PasswordHash   – bcrypt hashed password.
//  CompanyID      – tenant the user belongs to (nullable).
//  Administrator  – whether the user has administrator privileges.
//  Confirmed      – whether the registration code was validated.
//  AccountLocked  – set on refresh-token replay detection.
//  ValidationCode – pending registration code (nullable).
//  CreatedAt      – timestamp of creation.
//  UpdatedAt      – timestamp of last update.
type User struct {
    ID             uint64    // users.id
    Email          string    // users.email
    PasswordHash   string    // users.password_hash
    CompanyID      *uint64   // users.company_id (nullable)
    Administrator  bool      // users.administrator
    Confirmed      bool      // users.confirmed
    AccountLocked  bool      // users.account_locked
    ValidationCode *int      // users.validation_code (nullable)
    CreatedAt      time.Time // users.created_at
    UpdatedAt      time.Time // users.updated_at
}

// RefreshToken models an entry in the `refresh_tokens` table. One
// row exists per outstanding refresh token; deleting the row is the
// sole revocation mechanism, which is what makes single-use refresh
// tokens and replay detection possible. The signed token given to
// the client embeds the row ID; no token material is stored.
//
// Fields:
//  ID        – opaque uuid, primary key, embedded in the signed token.
//  UserID    – owner of the token.
//  ExpiresAt – expiration timestamp of the token.
//  CreatedAt – timestamp of creation.
type RefreshToken struct {
    ID        string    // refresh_tokens.id (uuid)
    UserID    uint64    // refresh_tokens.user_id
    ExpiresAt time.Time // refresh_tokens.expires_at
    CreatedAt time.Time // refresh_tokens.created_at
}
