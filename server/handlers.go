// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/relay-tender/db"
	"github.com/onnwee/relay-tender/store"
)

// Deps are the collaborators the HTTP API reads from.
type Deps struct {
	Store store.Store
	// DB and Archive are nil when no relay archive is configured.
	DB       *sql.DB
	Archive  *db.Archive
	RelayKey string
	// ChatPoll is how often the chat hub drains a stream's queue.
	ChatPoll time.Duration
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store    store.Store
	db       *sql.DB
	archive  *db.Archive
	relayKey string
	hub      *ChatHub
	now      func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	return &Handlers{
		store:    d.Store,
		db:       d.DB,
		archive:  d.Archive,
		relayKey: d.RelayKey,
		hub:      NewChatHub(ctx, d.Store, d.ChatPoll),
		now:      time.Now,
	}
}
