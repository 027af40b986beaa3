package util

import "github.com/google/uuid"

// NewID returns a random RFC 4122 v4 id.
func NewID() string {
	return uuid.NewString()
}
