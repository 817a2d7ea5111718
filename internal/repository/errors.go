// Package repository defines error types that are reused across
// repositories. These sentinel values allow higher layers such as
// handlers to distinguish between different failure scenarios
// without string matching on driver errors. For example,
// ErrEmailExists signals a unique-key violation on registration and
// is translated by handlers into an HTTP 409 response.
package repository

import "errors"

// ErrEmailExists is returned when inserting a user whose email
// address is already taken.
var ErrEmailExists = errors.New("email already exists")
