package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a random identifier for templates, rules, instances and steps.
func NewID() string {
	return uuid.NewString()
}

// NewLogID returns a lexically sortable identifier for log entries stamped at t.
// Entries created within the same millisecond still sort in creation order.
func NewLogID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// IsEntityID reports whether id could have come from NewID. Postgres rejects
// anything else in a uuid column, so lookups skip the round trip.
func IsEntityID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
