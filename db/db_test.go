package db

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/relay-tender/store"
)

func TestArchiveLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)
	if err := RunMigrations(db); err != nil {
		t.Fatal(err)
	}
	a := &Archive{DB: db}

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rs := store.RunningStream{ID: "sid", Name: "Morning Call", URL: "rtmp://relay/live/sid", Channel: "01CHAN", Group: "stocks"}
	if err := a.RelayStarted(ctx, rs, started); err != nil {
		t.Fatalf("RelayStarted: %v", err)
	}
	// a restart publishes again without moving the start time
	if err := a.RelayStarted(ctx, rs, started.Add(time.Minute)); err != nil {
		t.Fatalf("RelayStarted again: %v", err)
	}
	if err := a.RelayEnded(ctx, "sid", "ended", 1); err != nil {
		t.Fatalf("RelayEnded: %v", err)
	}
	if err := a.RelayEnded(ctx, "never-published", "canceled", 0); err != nil {
		t.Fatalf("RelayEnded unknown id: %v", err)
	}

	list, err := a.ListRelaySessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d sessions", len(list))
	}
	got := list[0]
	if got.StreamID != "sid" || got.Group != "stocks" || got.EndReason != "ended" || got.Restarts != 1 {
		t.Errorf("session = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestHeartbeat(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)
	if err := RunMigrations(db); err != nil {
		t.Fatal(err)
	}
	a := &Archive{DB: db}
	if v, err := GetKV(ctx, db, "job_scanner_last"); err != nil || v != "" {
		t.Fatalf("unset key = %q, %v", v, err)
	}
	if err := a.Heartbeat(ctx, "job_scanner_last"); err != nil {
		t.Fatal(err)
	}
	v, err := GetKV(ctx, db, "job_scanner_last")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339Nano, v); err != nil {
		t.Errorf("heartbeat value %q: %v", v, err)
	}
}
