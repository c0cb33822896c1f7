package monitor

import (
	"context"
	"errors"

	"github.com/onnwee/relay-tender/schedule"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
)

var (
	// ErrTransientUI means an expected element was missing or late.
	ErrTransientUI = errors.New("transient ui condition")
	// ErrAuthentication means login failed or no verification code arrived in time.
	ErrAuthentication = errors.New("authentication failed")
	// ErrSessionDeath means the browser session or the relay process died.
	ErrSessionDeath = errors.New("session died")
	// ErrStreamEnded is the clean end of a broadcast.
	ErrStreamEnded = errors.New("stream ended")
)

// Action is what a restart loop should do with an error.
type Action int

const (
	// ActionNone is returned for a nil error.
	ActionNone Action = iota
	// ActionSkip drops the unit of work (one chat message) and carries on.
	ActionSkip
	// ActionRestartPhase retries the phase that failed.
	ActionRestartPhase
	// ActionRestartWorker restarts the worker from Authenticating.
	ActionRestartWorker
	// ActionRecreateSession discards the session and opens a new one.
	ActionRecreateSession
	// ActionStop ends the loop: the stream ended or the context is done.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSkip:
		return "skip"
	case ActionRestartPhase:
		return "restart_phase"
	case ActionRestartWorker:
		return "restart_worker"
	case ActionRecreateSession:
		return "recreate_session"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Classify maps an error to the recovery action.
//
//   - stream ended, context canceled: stop
//   - malformed extraction response: skip
//   - missing or late element: restart the phase
//   - dead browser or relay: recreate the session
//   - authentication, store and anything unrecognized: restart the worker
func Classify(err error) Action {
	switch {
	case err == nil:
		return ActionNone
	case errors.Is(err, ErrStreamEnded), errors.Is(err, context.Canceled):
		return ActionStop
	case errors.Is(err, schedule.ErrParse):
		return ActionSkip
	case errors.Is(err, ErrSessionDeath), errors.Is(err, session.ErrSessionDead):
		return ActionRecreateSession
	case errors.Is(err, ErrAuthentication), errors.Is(err, store.ErrStoreUnavailable):
		return ActionRestartWorker
	case errors.Is(err, ErrTransientUI), errors.Is(err, session.ErrTimeout), errors.Is(err, session.ErrNotFound):
		return ActionRestartPhase
	default:
		return ActionRestartWorker
	}
}

// Reason is a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStreamEnded):
		return "ended"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAuthentication):
		return "auth"
	case errors.Is(err, ErrSessionDeath), errors.Is(err, session.ErrSessionDead):
		return "session_death"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "store"
	case errors.Is(err, ErrTransientUI), errors.Is(err, session.ErrTimeout), errors.Is(err, session.ErrNotFound):
		return "transient_ui"
	case errors.Is(err, schedule.ErrParse):
		return "parse"
	default:
		return "unknown"
	}
}
