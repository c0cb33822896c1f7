package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/testutil"
)

// stubAuth opens sessions on a FakeSite without going through the login form.
type stubAuth struct {
	site *testutil.FakeSite

	mu      sync.Mutex
	logins  int
	logouts int
	// onLogin runs after the n-th (1-based) session is opened.
	onLogin func(n int, s *testutil.FakeSession)
	err     error
}

func (a *stubAuth) Login(ctx context.Context, dev devices.Device) (session.Session, error) {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return nil, a.err
	}
	a.logins++
	n, hook := a.logins, a.onLogin
	a.mu.Unlock()

	s, err := a.site.Factory()(ctx, dev)
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(n, s.(*testutil.FakeSession))
	}
	return s, nil
}

func (a *stubAuth) Logout(ctx context.Context, sess session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return nil
}

func (a *stubAuth) Logins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

// fakeSpawner records specs instead of starting workers.
type fakeSpawner struct {
	mu    sync.Mutex
	specs []WorkerSpec
	err   error
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec WorkerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.specs = append(f.specs, spec)
	return nil
}

func (f *fakeSpawner) Specs() []WorkerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WorkerSpec(nil), f.specs...)
}

// chatEntry builds a chat message node as the channel page renders it.
func chatEntry(id, body, author, ts string) *testutil.FakeNode {
	return testutil.Node("", "id", id).
		With(SelMsgBody, testutil.Node(body)).
		With(SelMsgAuthor, testutil.Node("  "+author+"\n")).
		With(SelMsgTime, testutil.Node(ts))
}

func chatEntries(from, to int) []*testutil.FakeNode {
	var out []*testutil.FakeNode
	for i := from; i <= to; i++ {
		out = append(out, chatEntry(fmt.Sprintf("m%d", i), fmt.Sprintf("message %d", i), "alice", "10:00"))
	}
	return out
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
