package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/relay-tender/config"
	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/testutil"
)

var scanChannels = []config.Channel{
	{ID: "A", Group: "stocks", URL: "https://chat.example/c/A"},
	{ID: "B", Group: "copywriting", URL: "https://chat.example/c/B"},
	{ID: "C", Group: "ecommerce", URL: "https://chat.example/c/C"},
}

type scanFixture struct {
	site    *testutil.FakeSite
	mem     *store.MemoryStore
	auth    *stubAuth
	spawner *fakeSpawner
	ex      *testutil.FakeExtractor
	scanner *Scanner
}

func newScanFixture() *scanFixture {
	f := &scanFixture{
		site:    testutil.NewFakeSite(),
		mem:     store.NewMemoryStore(),
		spawner: &fakeSpawner{},
		ex:      &testutil.FakeExtractor{},
	}
	f.auth = &stubAuth{site: f.site}
	f.scanner = &Scanner{
		Channels:        scanChannels,
		Store:           f.mem,
		Auth:            f.auth,
		Device:          devices.NewPool(100).Device(devices.ScannerSlot),
		Upcoming:        &UpcomingExtractor{Store: f.mem, Extractor: f.ex, Window: 5},
		Spawner:         f.spawner,
		Archive:         NopArchive{},
		LiveWaitTimeout: 20 * time.Millisecond,
		RestartDelay:    time.Millisecond,
		SkipDelay:       time.Millisecond,
		ClaimTTL:        time.Minute,
		NewID:           sequentialIDs("stream"),
	}
	return f
}

func (f *scanFixture) session(t *testing.T) session.Session {
	t.Helper()
	s, err := f.site.Factory()(context.Background(), devices.Device{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStepRoundRobin(t *testing.T) {
	f := newScanFixture()
	sess := f.session(t)
	st := NewScanState()

	var visited []string
	for range 4 {
		res, err := f.scanner.Step(context.Background(), sess, st)
		if err != nil {
			t.Fatal(err)
		}
		visited = append(visited, res.Channel.ID)
	}
	if !equal(visited, []string{"A", "B", "C", "A"}) {
		t.Errorf("visited %v", visited)
	}
	if st.Next != 1 {
		t.Errorf("Next = %d, want 1", st.Next)
	}
}

func TestStepSkipsRunningStream(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture()
	sess := f.session(t)
	st := NewScanState()
	st.StreamIDs["A"] = "s-old"
	if err := f.mem.AddRunningStream(ctx, store.RunningStream{ID: "s-old", Channel: "A"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.scanner.Step(ctx, sess, st)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected skip")
	}
	if n := f.site.Navigations(scanChannels[0].URL); n != 0 {
		t.Errorf("skipped channel was visited %d times", n)
	}
	if len(f.ex.Texts()) != 0 {
		t.Error("skipped channel was mined for announcements")
	}
}

func TestStepSkipsClaimedChannel(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture()
	if _, err := f.mem.ClaimChannel(ctx, "A", "s-starting", time.Minute); err != nil {
		t.Fatal(err)
	}
	res, err := f.scanner.Step(ctx, f.session(t), NewScanState())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || f.site.Navigations(scanChannels[0].URL) != 0 {
		t.Errorf("claimed channel not skipped: %+v", res)
	}
}

func TestStepNotLiveStillMinesChat(t *testing.T) {
	f := newScanFixture()
	f.site.Set(scanChannels[0].URL, SelChatEntries, chatEntries(1, 2)...)

	res, err := f.scanner.Step(context.Background(), f.session(t), NewScanState())
	if err != nil {
		t.Fatal(err)
	}
	if res.Live || res.Skipped {
		t.Errorf("res = %+v", res)
	}
	if len(f.spawner.Specs()) != 0 {
		t.Error("spawned a worker for an offline channel")
	}
	if n := len(f.ex.Texts()); n != 2 {
		t.Errorf("extract calls = %d, want 2", n)
	}
}

func TestStepLiveSpawnsWorker(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture()
	f.site.Set(scanChannels[1].URL, SelLiveSurface, testutil.Node(""))
	f.site.Set(scanChannels[1].URL, SelChatEntries, chatEntries(1, 1)...)
	st := NewScanState()
	st.Next = 1

	res, err := f.scanner.Step(ctx, f.session(t), st)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Live || res.StreamID != "stream-1" {
		t.Fatalf("res = %+v", res)
	}
	specs := f.spawner.Specs()
	if len(specs) != 1 {
		t.Fatalf("spawned %d workers", len(specs))
	}
	if specs[0].Channel.ID != "B" || specs[0].StreamID != "stream-1" || specs[0].Slot != 1 {
		t.Errorf("spec = %+v", specs[0])
	}
	if st.StreamIDs["B"] != "stream-1" {
		t.Errorf("stream id not recorded: %v", st.StreamIDs)
	}
	if holder, _ := f.mem.ClaimHolder(ctx, "B"); holder != "stream-1" {
		t.Errorf("claim holder = %q", holder)
	}
	if len(f.ex.Texts()) != 1 {
		t.Error("live channel was not mined for announcements")
	}

	// next visit to B is skipped while the claim is held
	st.Next = 1
	res, err = f.scanner.Step(ctx, f.session(t), st)
	if err != nil || !res.Skipped {
		t.Errorf("second visit = %+v, %v", res, err)
	}
}

func TestStepSpawnFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture()
	f.spawner.err = errors.New("fork: resource temporarily unavailable")
	f.site.Set(scanChannels[0].URL, SelLiveSurface, testutil.Node(""))

	res, err := f.scanner.Step(ctx, f.session(t), NewScanState())
	if err != nil {
		t.Fatalf("spawn failure must not fail the step: %v", err)
	}
	if !res.Live {
		t.Fatalf("res = %+v", res)
	}
	if holder, _ := f.mem.ClaimHolder(ctx, "A"); holder != "" {
		t.Errorf("claim still held by %q", holder)
	}
}

func TestStepDeadSession(t *testing.T) {
	f := newScanFixture()
	sess := f.session(t)
	sess.(*testutil.FakeSession).Kill()
	st := NewScanState()
	_, err := f.scanner.Step(context.Background(), sess, st)
	if !errors.Is(err, session.ErrSessionDead) {
		t.Fatalf("want ErrSessionDead, got %v", err)
	}
	if st.Next != 1 {
		t.Errorf("failed step must still advance the rotation, Next = %d", st.Next)
	}
}

func TestRunRecreatesSessionAfterFailure(t *testing.T) {
	f := newScanFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.auth.onLogin = func(n int, s *testutil.FakeSession) {
		switch n {
		case 1:
			s.Kill()
		case 2:
			cancel()
		}
	}
	done := make(chan error, 1)
	go func() { done <- f.scanner.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scanner did not stop")
	}
	if f.auth.Logins() != 2 {
		t.Errorf("logins = %d, want 2", f.auth.Logins())
	}
	for i, s := range f.site.Sessions() {
		if !s.Closed() {
			t.Errorf("session %d left open", i)
		}
	}
}

func TestRunRetriesLogin(t *testing.T) {
	f := newScanFixture()
	f.auth.err = ErrAuthentication
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := f.scanner.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(f.site.Sessions()) != 0 {
		t.Error("session opened despite failing login")
	}
}

func TestRunKeepsStateAcrossRestarts(t *testing.T) {
	f := newScanFixture()
	f.site.Set(scanChannels[0].URL, SelChatEntries, chatEntries(1, 2)...)

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		if err := f.scanner.Run(ctx); err != nil {
			t.Fatalf("Run = %v", err)
		}
		cancel()
	}
	if n := len(f.ex.Texts()); n != 2 {
		t.Errorf("extract calls after restart = %d, want 2", n)
	}
	if f.scanner.State == nil || f.scanner.State.LastMessages["A"] == "" {
		t.Errorf("state = %+v", f.scanner.State)
	}
}
