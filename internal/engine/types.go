package engine

import (
	"context"
	"time"

	"promptpace/internal/delay"
	"promptpace/internal/preflight"
)

// Settings is the engine's view of the live configuration. It is re-read at
// every decision and suspension point, never cached across an await.
type Settings struct {
	Enabled         bool
	Delay           delay.Settings
	Preflight       preflight.Flags
	CompletionSound bool
}

// ConfigProvider supplies the current Settings snapshot.
type ConfigProvider interface {
	Snapshot() Settings
}

// ConfigFunc adapts a plain function to ConfigProvider.
type ConfigFunc func() Settings

func (f ConfigFunc) Snapshot() Settings { return f() }

// OutcomeStatus is the dispatch collaborator's verdict for one item.
type OutcomeStatus string

const (
	StatusSent     OutcomeStatus = "sent"
	StatusBlocked  OutcomeStatus = "blocked"
	StatusNotFound OutcomeStatus = "not_found"
	StatusFailed   OutcomeStatus = "failed"
)

type Outcome struct {
	Status OutcomeStatus
	Reason string
}

// Dispatcher delivers one prompt. Invoked at most once per dispatch cycle.
// It may return an error (treated like a failed outcome with a generic message).
type Dispatcher interface {
	Dispatch(ctx context.Context, text string, forceAutoSend bool) (Outcome, error)
}

// DispatchRecord is the history entry appended after every collaborator call.
type DispatchRecord struct {
	QueueID string
	Text    string
	Status  OutcomeStatus
	Reason  string
	Err     string
	Sample  delay.Sample
	At      time.Time
}

// Recorder persists dispatch history. Best-effort: the engine logs and moves
// on when it fails.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec DispatchRecord) error
}

// Snapshot is the engine state exposed for display.
type Snapshot struct {
	Running   bool
	InFlight  bool
	QueueLen  int
	Delay     time.Duration // total delay in effect for the current wait
	Remaining time.Duration // time left on the armed wait or pause remainder
	Sample    delay.Sample  // most recent jitter draw
}
