// Package event carries state-change and progress notifications out of the
// core so both callback-driven and channel-polling consumers can be built
// on one primitive.
package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeQueued    Type = "queued"
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypePaused    Type = "paused"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
)

// Terminal reports whether the event ends a download's lifecycle.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeCancelled
}

type Event struct {
	Type       Type
	ID         uuid.UUID
	Filename   string
	Downloaded int64
	Total      int64
	Progress   float64
	SpeedBPS   int64
	ETA        time.Duration
	Attempts   int
	Err        string
	// WillRetry marks a failure that the retry controller is about to
	// re-attempt; the download is not finally Error yet.
	WillRetry bool
	Time      time.Time
}
