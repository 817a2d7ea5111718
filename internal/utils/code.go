package utils // package utils provides helper functions for hashing and code generation

import (
    "crypto/rand" // secure random number generation
    "math/big"    // bounded random integers without modulo bias
)

// NewValidationCode returns a random five-digit registration code in
// the range 10000–99999. Codes are sent to the user out of band and
// compared against the value stored on the user row.
func NewValidationCode() (int, error) {
    // Draw from [0, 90000) and shift so the code always has five digits.
    n, err := rand.Int(rand.Reader, big.NewInt(90000))
    if err != nil {
        return 0, err
    }
    return int(n.Int64()) + 10000, nil
}
