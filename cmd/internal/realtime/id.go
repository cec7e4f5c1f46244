package realtime

import (
	"time"

	"github.com/Conversly/pulse/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID allocated when the caller supplied no message id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEscalationID returns a ULID used as escalation id.
// This keeps IDs uniform across the system.
func NewEscalationID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
