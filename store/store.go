// Package store is the coordination store shared by the rotation scanner, the
// stream workers and the HTTP API. It tracks the streams currently being
// relayed, the upcoming (announced) streams and one FIFO chat queue per stream.
//
// Every operation touches a single logical collection and is atomic from the
// caller's point of view; there are no multi-key transactions. Channel claims
// are an optional lease layered on top so two workers do not relay the same
// channel at once.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Collection keys. Records are stored as their JSON attribute sets.
const (
	RunningStreamsKey  = "running_streams"
	UpcomingStreamsKey = "upcoming_streams"
)

// ErrStoreUnavailable wraps any backend failure. The core does not handle it
// specially; it propagates to the nearest restart loop.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// ChatQueueKey is the list holding queued chat messages for a stream.
func ChatQueueKey(streamID string) string {
	return fmt.Sprintf("stream_%s_chat_messages", streamID)
}

// ClaimKey is the lease key held by the worker relaying a channel.
func ClaimKey(channelID string) string {
	return fmt.Sprintf("channel_%s_claim", channelID)
}

// Store is the coordination store contract.
type Store interface {
	AddRunningStream(ctx context.Context, s RunningStream) error
	RemoveRunningStream(ctx context.Context, id string) error
	// GetRunningStream returns nil when no stream with that id is running.
	GetRunningStream(ctx context.Context, id string) (*RunningStream, error)
	ListRunningStreams(ctx context.Context) ([]RunningStream, error)

	AddUpcomingStream(ctx context.Context, s UpcomingStream) error
	RemoveUpcomingStream(ctx context.Context, id string) error
	ListUpcomingStreams(ctx context.Context) ([]UpcomingStream, error)

	// PushChatMessage appends to the stream's queue; PopChatMessage removes the
	// oldest entry and returns nil when the queue is empty.
	PushChatMessage(ctx context.Context, streamID string, m ChatMessage) error
	PopChatMessage(ctx context.Context, streamID string) (*ChatMessage, error)

	// ClaimChannel takes the channel lease for streamID if nobody holds it.
	ClaimChannel(ctx context.Context, channelID, streamID string, ttl time.Duration) (bool, error)
	// RefreshClaim extends the lease; it reports false when streamID no longer holds it.
	RefreshClaim(ctx context.Context, channelID, streamID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, channelID, streamID string) error
	// ClaimHolder returns the stream id holding the channel lease, or "".
	ClaimHolder(ctx context.Context, channelID string) (string, error)

	// DeleteAll removes running and upcoming streams, every chat queue and every claim.
	DeleteAll(ctx context.Context) error
	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
