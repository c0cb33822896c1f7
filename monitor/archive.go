package monitor

import (
	"context"
	"time"

	"github.com/onnwee/relay-tender/store"
)

// Archive records relay history outside the coordination store. It is
// optional; every call is best effort and errors are only logged.
type Archive interface {
	RelayStarted(ctx context.Context, s store.RunningStream, startedAt time.Time) error
	RelayEnded(ctx context.Context, streamID, reason string, restarts int) error
	Heartbeat(ctx context.Context, key string) error
}

// NopArchive discards everything.
type NopArchive struct{}

func (NopArchive) RelayStarted(context.Context, store.RunningStream, time.Time) error { return nil }

func (NopArchive) RelayEnded(context.Context, string, string, int) error { return nil }

func (NopArchive) Heartbeat(context.Context, string) error { return nil }
