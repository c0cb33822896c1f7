// Package relay republishes a captured display and audio sink as an outbound
// RTMP stream.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/onnwee/relay-tender/devices"
)

// Process is a running relay.
type Process interface {
	Pid() int
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Kill stops the process; calling it on an exited process is a no-op.
	Kill() error
}

// Relayer starts relays.
type Relayer interface {
	Start(ctx context.Context, destination string, dev devices.Device) (Process, error)
}

// FFmpeg captures the device with ffmpeg (x11grab + pulse) and pushes FLV to
// the destination.
type FFmpeg struct {
	Binary string
}

// Args builds the ffmpeg command line for capturing dev into destination.
func Args(destination string, dev devices.Device) []string {
	return []string{
		"-thread_queue_size", "512",
		"-f", "x11grab",
		"-i", dev.Display,
		"-thread_queue_size", "512",
		"-f", "pulse",
		"-i", dev.AudioSink + ".monitor",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-b:v", "2M",
		"-c:a", "aac",
		"-b:a", "128k",
		"-probesize", "32M",
		"-analyzeduration", "100M",
		"-r", "24",
		"-s", "1280x720",
		"-f", "flv",
		destination,
	}
}

// Start launches ffmpeg. The process is not bound to ctx: it lives until
// Kill is called or it exits on its own.
func (f *FFmpeg) Start(ctx context.Context, destination string, dev devices.Device) (Process, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, Args(destination, dev)...)
	cmd.Env = append(cmd.Environ(), "DISPLAY="+dev.Display, "PULSE_SINK="+dev.AudioSink)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	p := &cmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		slog.Debug("relay exited", slog.Int("pid", cmd.Process.Pid), slog.Any("err", err))
	}()
	slog.InfoContext(ctx, "relay started", slog.Int("pid", cmd.Process.Pid), slog.String("display", dev.Display), slog.String("sink", dev.AudioSink))
	return p, nil
}

type cmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *cmdProcess) Pid() int { return p.cmd.Process.Pid }

func (p *cmdProcess) Done() <-chan struct{} { return p.done }

func (p *cmdProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *cmdProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	// negative pid signals the whole process group
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill relay %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done
	return nil
}

// ExitErr returns the wait error once the process has exited.
func (p *cmdProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
