package util

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string. Review and identity rows are
// keyed by it, so inserts stay close together in the primary key index.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
