package justpipe

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// for identifying a run in persisted history.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
