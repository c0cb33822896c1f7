// Package db is the optional relay archive: a Postgres history of relay
// sessions plus a small key/value table for job heartbeats.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/relay-tender/store"
)

// Connect opens a Postgres handle for dsn and checks it answers.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// RelaySession is one archived relay.
type RelaySession struct {
	StreamID  string     `json:"stream_id"`
	Channel   string     `json:"channel"`
	Group     string     `json:"group"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Restarts  int        `json:"restarts"`
}

// Archive records relay sessions and heartbeats in Postgres.
type Archive struct {
	DB *sql.DB
}

// RelayStarted inserts the session, or refreshes it when a restarted worker
// publishes the same stream again. The original start time is kept.
func (a *Archive) RelayStarted(ctx context.Context, s store.RunningStream, startedAt time.Time) error {
	_, err := a.DB.ExecContext(ctx, `INSERT INTO relay_sessions(stream_id, channel, channel_group, name, url, started_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT(stream_id) DO UPDATE SET
			name=EXCLUDED.name,
			url=EXCLUDED.url,
			ended_at=NULL,
			end_reason=NULL,
			updated_at=NOW()`,
		s.ID, s.Channel, s.Group, s.Name, s.URL, startedAt.UTC())
	return err
}

// RelayEnded closes the session. Unknown stream ids (the worker never got to
// publish) are ignored.
func (a *Archive) RelayEnded(ctx context.Context, streamID, reason string, restarts int) error {
	_, err := a.DB.ExecContext(ctx, `UPDATE relay_sessions
		SET ended_at=NOW(), end_reason=$2, restarts=$3, updated_at=NOW()
		WHERE stream_id=$1`, streamID, reason, restarts)
	return err
}

// Heartbeat stores the current time under key.
func (a *Archive) Heartbeat(ctx context.Context, key string) error {
	return SetKV(ctx, a.DB, key, time.Now().UTC().Format(time.RFC3339Nano))
}

// ListRelaySessions returns the most recent sessions first.
func (a *Archive) ListRelaySessions(ctx context.Context, limit int) ([]RelaySession, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT stream_id, channel, channel_group, name, url, started_at, ended_at, COALESCE(end_reason,''), restarts
		FROM relay_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RelaySession{}
	for rows.Next() {
		var (
			s     RelaySession
			ended sql.NullTime
		)
		if err := rows.Scan(&s.StreamID, &s.Channel, &s.Group, &s.Name, &s.URL, &s.StartedAt, &ended, &s.EndReason, &s.Restarts); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetKV upserts a key/value pair.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the value for key, or "" when unset.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}
