package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/relay"
	"github.com/onnwee/relay-tender/schedule"
)

// FakeProcess is a relay.Process that runs until killed or Exit is called.
type FakeProcess struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	killed bool
}

func NewFakeProcess() *FakeProcess { return &FakeProcess{done: make(chan struct{})} }

func (p *FakeProcess) Pid() int { return 4242 }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Exit simulates the process dying on its own.
func (p *FakeProcess) Exit() { p.once.Do(func() { close(p.done) }) }

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// FakeRelayer records relay starts.
type FakeRelayer struct {
	mu           sync.Mutex
	Destinations []string
	Devices      []devices.Device
	Procs        []*FakeProcess
	Err          error
}

func (r *FakeRelayer) Start(ctx context.Context, destination string, dev devices.Device) (relay.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	p := NewFakeProcess()
	r.Destinations = append(r.Destinations, destination)
	r.Devices = append(r.Devices, dev)
	r.Procs = append(r.Procs, p)
	return p, nil
}

// Started returns the processes started so far.
func (r *FakeRelayer) Started() []*FakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeProcess(nil), r.Procs...)
}

// FakeOTP returns Codes in order; an empty entry means no code yet. Once the
// list is exhausted it keeps reporting no code.
type FakeOTP struct {
	mu    sync.Mutex
	Codes []string
	Err   error
	calls int
}

func (f *FakeOTP) FetchCode(ctx context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return "", false, f.Err
	}
	if len(f.Codes) == 0 {
		return "", false, nil
	}
	c := f.Codes[0]
	f.Codes = f.Codes[1:]
	return c, c != "", nil
}

// Calls returns how many times FetchCode was called.
func (f *FakeOTP) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeExtractor delegates to Func and records each message text.
type FakeExtractor struct {
	mu    sync.Mutex
	Func  func(text, group string) ([]schedule.Announcement, error)
	texts []string
}

func (f *FakeExtractor) Extract(ctx context.Context, text, group string) ([]schedule.Announcement, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	fn := f.Func
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(text, group)
}

// Texts returns the messages passed to Extract.
func (f *FakeExtractor) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}
