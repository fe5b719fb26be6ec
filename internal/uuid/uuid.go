// Package uuid generates random identifiers for users and tokens.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
