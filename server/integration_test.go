package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/relay-tender/db"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/testutil"
)

func TestRedisBackedAPI(t *testing.T) {
	rs := testutil.SetupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = rs.AddRunningStream(ctx, store.RunningStream{ID: "sid", Name: "Morning Call", URL: "rtmp://relay/live/sid", Channel: "01CHAN", Group: "stocks"})
	h := newTestMux(t, Deps{Store: rs})

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/running-streams", nil))
	var running []store.RunningStream
	if err := json.NewDecoder(rr.Body).Decode(&running); err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "sid" {
		t.Fatalf("running = %+v", running)
	}

	hub := NewChatHub(ctx, rs, 10*time.Millisecond)
	msgs, unsubscribe := hub.Subscribe("sid")
	defer unsubscribe()
	for _, id := range []string{"m1", "m2"} {
		if err := rs.PushChatMessage(ctx, "sid", store.ChatMessage{ID: id, Message: "text " + id}); err != nil {
			t.Fatal(err)
		}
	}
	if m := recv(t, msgs); m.ID != "m1" {
		t.Errorf("first = %q", m.ID)
	}
	if m := recv(t, msgs); m.ID != "m2" {
		t.Errorf("second = %q", m.ID)
	}
}

func TestRelaySessionsFromArchive(t *testing.T) {
	database := testutil.SetupTestDB(t)
	archive := &db.Archive{DB: database}
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := archive.RelayStarted(ctx, store.RunningStream{ID: "sid", Name: "Morning Call", Channel: "01CHAN", Group: "stocks"}, started); err != nil {
		t.Fatal(err)
	}

	h := newTestMux(t, Deps{DB: database, Archive: archive})
	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/relay-sessions?limit=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var got []db.RelaySession
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].StreamID != "sid" || got[0].EndedAt != nil {
		t.Fatalf("sessions = %+v", got)
	}

	if rr := do(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rr.Code != http.StatusOK {
		t.Fatalf("readyz with database = %d", rr.Code)
	}
}
