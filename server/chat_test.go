package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/relay-tender/store"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv(t *testing.T, ch <-chan store.ChatMessage) store.ChatMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
	return store.ChatMessage{}
}

func TestChatHubFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemoryStore()
	hub := NewChatHub(ctx, s, 5*time.Millisecond)

	a, unsubA := hub.Subscribe("sid")
	b, unsubB := hub.Subscribe("sid")
	if n := hub.Subscribers("sid"); n != 2 {
		t.Fatalf("subscribers = %d", n)
	}

	_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: "m1", Message: "hello"})
	_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: "m2", Message: "world"})
	for _, ch := range []<-chan store.ChatMessage{a, b} {
		if m := recv(t, ch); m.ID != "m1" {
			t.Errorf("first = %q", m.ID)
		}
		if m := recv(t, ch); m.ID != "m2" {
			t.Errorf("second = %q", m.ID)
		}
	}
	eventually(t, "queue drained", func() bool { return s.QueueLen("sid") == 0 })

	unsubA()
	unsubA()
	unsubB()
	if n := hub.Subscribers("sid"); n != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", n)
	}
	if _, ok := <-a; ok {
		t.Error("channel a still open")
	}

	// without subscribers nothing consumes the queue
	_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: "m3"})
	time.Sleep(30 * time.Millisecond)
	if n := s.QueueLen("sid"); n != 1 {
		t.Errorf("queue len = %d, want 1", n)
	}
}

func TestChatHubClosesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewChatHub(ctx, store.NewMemoryStore(), 5*time.Millisecond)
	ch, unsub := hub.Subscribe("sid")
	defer unsub()
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after shutdown")
	}
}

// leavingStore runs onPop after each successful pop.
type leavingStore struct {
	*store.MemoryStore
	onPop func()
}

func (s *leavingStore) PopChatMessage(ctx context.Context, streamID string) (*store.ChatMessage, error) {
	m, err := s.MemoryStore.PopChatMessage(ctx, streamID)
	if m != nil && s.onPop != nil {
		s.onPop()
	}
	return m, err
}

func TestChatHubStopsPoppingAfterLastUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &leavingStore{MemoryStore: store.NewMemoryStore()}
	hub := NewChatHub(ctx, s, 5*time.Millisecond)

	_, unsub := hub.Subscribe("sid")
	hub.mu.Lock()
	room := hub.rooms["sid"]
	hub.mu.Unlock()
	// the subscriber leaves while the pump drains a backlog
	s.onPop = unsub
	for _, id := range []string{"m1", "m2", "m3"} {
		_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: id})
	}

	select {
	case <-room.done:
	case <-time.After(3 * time.Second):
		t.Fatal("pump did not stop")
	}
	if n := s.QueueLen("sid"); n != 2 {
		t.Errorf("queue len after last unsubscribe = %d, want 2", n)
	}
}

func newChatServer(t *testing.T) (*httptest.Server, *Handlers, *store.MemoryStore) {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemoryStore()
	h := NewHandlers(ctx, Deps{Store: s, ChatPoll: 5 * time.Millisecond})
	srv := httptest.NewServer(newMux(ctx, h))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, h, s
}

func TestChatSSE(t *testing.T) {
	srv, h, s := newChatServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/sid/chat/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	eventually(t, "subscriber", func() bool { return h.hub.Subscribers("sid") == 1 })

	_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: "m1", Message: "gm", Author: "ann", Time: "10:01 AM",
		ReplyTo: &store.BaseChatMessage{Message: "hi", Author: "bob"}})
	_ = s.PushChatMessage(ctx, "sid", store.ChatMessage{ID: "m2", Message: "second"})

	sc := bufio.NewScanner(resp.Body)
	var got []store.ChatMessage
	for len(got) < 2 && sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var m store.ChatMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		got = append(got, m)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("got %+v", got)
	}
	if got[0].ReplyTo == nil || got[0].ReplyTo.Author != "bob" || got[0].Author != "ann" {
		t.Errorf("fields lost: %+v", got[0])
	}

	cancel()
	eventually(t, "unsubscribe", func() bool { return h.hub.Subscribers("sid") == 0 })
}

func TestChatWebSocketBroadcast(t *testing.T) {
	srv, h, s := newChatServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/sid/chat/ws"

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}
	eventually(t, "two subscribers", func() bool { return h.hub.Subscribers("sid") == 2 })

	_ = s.PushChatMessage(context.Background(), "sid", store.ChatMessage{ID: "m1", Message: "to everyone"})
	for i, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var m store.ChatMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if m.ID != "m1" || m.Message != "to everyone" {
			t.Errorf("client %d got %+v", i, m)
		}
	}

	_ = conns[0].WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conns[0].Close()
	eventually(t, "one subscriber left", func() bool { return h.hub.Subscribers("sid") == 1 })
}
