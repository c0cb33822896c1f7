// Package devices maps worker slots to the virtual display and audio sink a
// browser session renders into and the relay captures from.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ScannerSlot is the slot reserved for the rotation scanner's session.
const ScannerSlot = -1

// Device is one capture target. Display is an X display name (":101"),
// AudioSink a PulseAudio null sink name.
type Device struct {
	Slot        int
	Display     string
	AudioSink   string
	UserDataDir string
}

// Pool hands out devices by slot. A slot is held by at most one session at a
// time within this process.
type Pool struct {
	base int

	mu    sync.Mutex
	slots map[int]chan struct{}
}

func NewPool(displayBase int) *Pool {
	return &Pool{base: displayBase, slots: map[int]chan struct{}{}}
}

// Device returns the device for a slot without reserving it.
func (p *Pool) Device(slot int) Device {
	sink := fmt.Sprintf("virtual_sink_%d", slot)
	if slot == ScannerSlot {
		sink = "virtual_sink_main"
	}
	return Device{
		Slot:        slot,
		Display:     fmt.Sprintf(":%d", p.base+slot),
		AudioSink:   sink,
		UserDataDir: fmt.Sprintf("%s/relay_user_data_%d", os.TempDir(), slot),
	}
}

func (p *Pool) sem(slot int) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.slots[slot]
	if !ok {
		ch = make(chan struct{}, 1)
		p.slots[slot] = ch
	}
	return ch
}

// Acquire blocks until the slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context, slot int) (Device, error) {
	select {
	case p.sem(slot) <- struct{}{}:
		return p.Device(slot), nil
	case <-ctx.Done():
		return Device{}, ctx.Err()
	}
}

func (p *Pool) Release(slot int) {
	select {
	case <-p.sem(slot):
	default:
		slog.Warn("device release without acquire", slog.Int("slot", slot))
	}
}

// InUse reports whether the slot is currently held.
func (p *Pool) InUse(slot int) bool {
	return len(p.sem(slot)) > 0
}

// Host prepares devices on the local machine: an Xvfb server per display and
// a null sink per audio device. With Skip set (debug runs against a real
// desktop) Prepare does nothing.
type Host struct {
	Skip bool
	// Command builds the external commands; defaults to exec.CommandContext.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd
	// Settle is how long to give a freshly started Xvfb.
	Settle time.Duration
}

func (h *Host) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if h.Command != nil {
		return h.Command(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

// Prepare makes sure the device's display and sink exist. Both steps are
// idempotent: a running display (lock file present) and an existing sink are
// left alone.
func (h *Host) Prepare(ctx context.Context, dev Device) error {
	if h.Skip {
		return nil
	}
	if err := h.ensureSink(ctx, dev.AudioSink); err != nil {
		return err
	}
	return h.ensureDisplay(dev.Display)
}

func (h *Host) ensureSink(ctx context.Context, sink string) error {
	out, err := h.command(ctx, "pactl", "list", "short", "sinks").Output()
	if err != nil {
		return fmt.Errorf("pactl list sinks: %w", err)
	}
	if sinkListed(string(out), sink) {
		return nil
	}
	if out, err := h.command(ctx, "pactl", "load-module", "module-null-sink", "sink_name="+sink).CombinedOutput(); err != nil {
		return fmt.Errorf("create sink %s: %w: %s", sink, err, strings.TrimSpace(string(out)))
	}
	slog.Info("audio sink created", slog.String("sink", sink))
	return nil
}

func sinkListed(list, sink string) bool {
	for _, line := range strings.Split(list, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == sink {
			return true
		}
	}
	return false
}

func (h *Host) ensureDisplay(display string) error {
	lock := fmt.Sprintf("/tmp/.X%s-lock", strings.TrimPrefix(display, ":"))
	if _, err := os.Stat(lock); err == nil {
		return nil
	}
	// Xvfb outlives the request that started it, so no request context here.
	cmd := h.command(context.Background(), "Xvfb", display, "-screen", "0", "1280x720x24")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start Xvfb %s: %w", display, err)
	}
	go func() { _ = cmd.Wait() }()
	settle := h.Settle
	if settle == 0 {
		settle = 2 * time.Second
	}
	time.Sleep(settle)
	slog.Info("virtual display started", slog.String("display", display), slog.Int("pid", cmd.Process.Pid))
	return nil
}
