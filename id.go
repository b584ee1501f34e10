package truffle

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Today returns the current UTC day truncated to midnight.
// Evidence dates are day-granular.
func Today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
