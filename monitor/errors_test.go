package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/onnwee/relay-tender/schedule"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Action
		reason string
	}{
		{"nil", nil, ActionNone, "none"},
		{"stream ended", ErrStreamEnded, ActionStop, "ended"},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), ActionStop, "canceled"},
		{"parse", fmt.Errorf("extract: %w", schedule.ErrParse), ActionSkip, "parse"},
		{"session death", fmt.Errorf("%w: relay exited", ErrSessionDeath), ActionRecreateSession, "session_death"},
		{"browser gone", session.ErrSessionDead, ActionRecreateSession, "session_death"},
		{"auth", fmt.Errorf("%w: no code", ErrAuthentication), ActionRestartWorker, "auth"},
		{"store", fmt.Errorf("%w: hset: dial tcp", store.ErrStoreUnavailable), ActionRestartWorker, "store"},
		{"transient", errNoVideo, ActionRestartPhase, "transient_ui"},
		{"timeout", fmt.Errorf("wait: %w", session.ErrTimeout), ActionRestartPhase, "transient_ui"},
		{"not found", session.ErrNotFound, ActionRestartPhase, "transient_ui"},
		{"unknown", errors.New("boom"), ActionRestartWorker, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
			if got := Reason(tt.err); got != tt.reason {
				t.Errorf("Reason = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestActionString(t *testing.T) {
	if ActionRecreateSession.String() != "recreate_session" {
		t.Errorf("got %q", ActionRecreateSession.String())
	}
	if Action(99).String() != "unknown" {
		t.Errorf("got %q", Action(99).String())
	}
}
