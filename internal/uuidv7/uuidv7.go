// Package uuidv7 generates time-ordered UUIDs for record identities.
package uuidv7

import "github.com/google/uuid"

// NewString returns the string form of a fresh UUIDv7. Generation failures
// panic; the only failure mode is a broken entropy source.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether s parses as any UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
