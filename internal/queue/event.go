// Package queue defines message payloads exchanged over the message broker.
package queue

// UserRegisteredEvent is published when a new account is created. The
// mailer service consumes it and delivers the validation code; email
// sending never happens inside the API process.
type UserRegisteredEvent struct {
    UserID         uint64 `json:"user_id"`
    Email          string `json:"email"`
    ValidationCode int    `json:"validation_code"`
    RegisteredAt   string `json:"registered_at"`
}

// AccountLockedEvent is published when refresh-token reuse is
// detected and an account is locked. Consumers can alert operations
// or notify the user out of band; unlocking is a manual operation.
type AccountLockedEvent struct {
    UserID     uint64 `json:"user_id"`
    RefreshID  string `json:"refresh_id"`
    DetectedAt string `json:"detected_at"`
}
