package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/relay-tender/config"
	"github.com/onnwee/relay-tender/telemetry"
)

// WorkerSpec is everything a worker needs to relay one broadcast.
type WorkerSpec struct {
	Channel  config.Channel
	StreamID string
	// Slot selects the capture device; it is the channel's index.
	Slot int
}

// Args renders spec as worker subcommand flags.
func (s WorkerSpec) Args() []string {
	return []string{
		"worker",
		"--channel", s.Channel.ID,
		"--group", s.Channel.Group,
		"--url", s.Channel.URL,
		"--stream-id", s.StreamID,
		"--slot", strconv.Itoa(s.Slot),
	}
}

// Spawner starts a worker for spec and returns without waiting for it.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) error
}

// ProcessSpawner runs each worker as a child OS process of the current
// binary, so a crashing browser or relay cannot take the scanner down.
type ProcessSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	limiter    *rate.Limiter

	mu       sync.Mutex
	children map[int]*exec.Cmd
	wg       sync.WaitGroup
}

// NewProcessSpawner allows perMinute spawns per minute with a small burst.
// perMinute <= 0 disables throttling.
func NewProcessSpawner(perMinute int) *ProcessSpawner {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 3)
	}
	return &ProcessSpawner{limiter: lim, children: map[int]*exec.Cmd{}}
}

func (p *ProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("spawn throttled: %w", err)
	}
	exe := p.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}
	cmd := exec.Command(exe, spec.Args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid

	p.mu.Lock()
	p.children[pid] = cmd
	p.mu.Unlock()
	p.wg.Add(1)

	log := slog.Default().With(slog.String("component", "spawner"), slog.String("stream_id", spec.StreamID), slog.Int("pid", pid))
	log.Info("worker process started", slog.String("channel", spec.Channel.ID))
	telemetry.Inc(telemetry.WorkersSpawned)

	go func() {
		defer p.wg.Done()
		err := cmd.Wait()
		p.mu.Lock()
		delete(p.children, pid)
		p.mu.Unlock()
		if err != nil {
			log.Warn("worker process exited", slog.Any("err", err))
			return
		}
		log.Info("worker process exited")
	}()
	return nil
}

// Running returns the number of live child processes.
func (p *ProcessSpawner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// Stop asks every child to terminate and kills whatever is left after timeout.
func (p *ProcessSpawner) Stop(timeout time.Duration) {
	p.signalAll(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("workers did not exit in time, killing", slog.Int("count", p.Running()))
		p.signalAll(syscall.SIGKILL)
		<-done
	}
}

func (p *ProcessSpawner) signalAll(sig syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid, cmd := range p.children {
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("signal worker failed", slog.Int("pid", pid), slog.Any("err", err))
		}
	}
}

// GoroutineSpawner runs workers in-process. Used by tests and by
// WORKER_MODE=inprocess.
type GoroutineSpawner struct {
	New func(WorkerSpec) *Worker
	wg  sync.WaitGroup
}

func (g *GoroutineSpawner) Spawn(ctx context.Context, spec WorkerSpec) error {
	w := g.New(spec)
	if w == nil {
		return errors.New("no worker for spec")
	}
	telemetry.Inc(telemetry.WorkersSpawned)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("worker exited", slog.String("stream_id", spec.StreamID), slog.Any("err", err))
		}
	}()
	return nil
}

// Wait blocks until every spawned worker has returned.
func (g *GoroutineSpawner) Wait() { g.wg.Wait() }
