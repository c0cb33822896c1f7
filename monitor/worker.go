package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/relay"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/telemetry"
)

// WorkerState is the phase a worker is in.
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateAuthenticating
	StateLocatingSurface
	StateRelaying
	StateDraining
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateLocatingSurface:
		return "locating_surface"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

// WorkerConfig holds the worker timings and relay target.
type WorkerConfig struct {
	LiveWaitTimeout  time.Duration
	VideoWaitTimeout time.Duration
	ChatPollInterval time.Duration
	RestartBackoff   time.Duration
	// SettleDelay is the pause after opening the stream and before going
	// fullscreen, while the player loads.
	SettleDelay time.Duration
	ClaimTTL    time.Duration
	// SurfaceMissLimit is how many consecutive attempts may find no live
	// surface (or no video) before the broadcast counts as ended.
	SurfaceMissLimit int

	RelayServer string
	RelayKey    string
}

var (
	errNoSurface = fmt.Errorf("%w: live surface not found", ErrTransientUI)
	errNoVideo   = fmt.Errorf("%w: stream video not found", ErrTransientUI)
)

// Worker relays one broadcast from detection to its end. It restarts from
// Authenticating after any failure and gives up only when the broadcast is
// over or ctx is done.
type Worker struct {
	Spec    WorkerSpec
	Cfg     WorkerConfig
	Auth    Authenticator
	Relayer relay.Relayer
	Store   store.Store
	Devices *devices.Pool
	Archive Archive

	mu       sync.Mutex
	state    WorkerState
	misses   int
	restarts int
}

// State returns the current phase.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run holds the device slot and the channel claim for the whole broadcast.
// It returns nil when the broadcast ended and ctx.Err() on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, w.Spec.StreamID)
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "worker"),
		slog.String("stream_id", w.Spec.StreamID),
		slog.String("channel", w.Spec.Channel.ID),
		slog.Int("slot", w.Spec.Slot))

	dev, err := w.Devices.Acquire(ctx, w.Spec.Slot)
	if err != nil {
		return err
	}
	endReason := "canceled"
	stopClaim := w.keepClaim(ctx, log)
	defer func() {
		stopClaim()
		w.setState(StateTerminated)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := w.Store.ReleaseClaim(cctx, w.Spec.Channel.ID, w.Spec.StreamID); err != nil {
			log.Warn("release claim failed", slog.Any("err", err))
		}
		if w.Archive != nil {
			if err := w.Archive.RelayEnded(cctx, w.Spec.StreamID, endReason, w.restarts); err != nil {
				log.Debug("archive relay end failed", slog.Any("err", err))
			}
		}
		w.Devices.Release(w.Spec.Slot)
		log.Info("worker terminated", slog.String("reason", endReason), slog.Int("restarts", w.restarts))
	}()

	limit := w.Cfg.SurfaceMissLimit
	if limit < 1 {
		limit = 1
	}
	for {
		err := w.runOnce(ctx, dev, log)
		if errors.Is(err, ErrStreamEnded) {
			endReason = "ended"
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errNoSurface) || errors.Is(err, errNoVideo) {
			w.misses++
			if w.misses >= limit {
				log.Info("stream no longer live", slog.Int("misses", w.misses))
				endReason = "ended"
				return nil
			}
		}

		reason := Reason(err)
		w.restarts++
		telemetry.IncRestart(reason)
		log.Warn("worker restarting",
			slog.String("reason", reason),
			slog.String("action", Classify(err).String()),
			slog.Any("err", err),
			slog.Duration("backoff", w.Cfg.RestartBackoff))
		sleepCtx(ctx, w.Cfg.RestartBackoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runOnce is one pass from login to the end of draining. Teardown runs on
// every return.
func (w *Worker) runOnce(ctx context.Context, dev devices.Device, log *slog.Logger) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "monitor", "worker.attempt",
		attribute.String("stream_id", w.Spec.StreamID),
		attribute.String("channel", w.Spec.Channel.ID))
	defer func() {
		if err != nil && !errors.Is(err, ErrStreamEnded) {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	w.setState(StateAuthenticating)
	sess, err := w.Auth.Login(ctx, dev)
	if err != nil {
		return err
	}

	var (
		proc    relay.Process
		started time.Time
	)
	defer func() { w.teardown(ctx, sess, proc, started, log) }()

	w.setState(StateLocatingSurface)
	video, name, err := w.locate(ctx, sess)
	if err != nil {
		return err
	}
	w.misses = 0

	w.setState(StateRelaying)
	url := w.Cfg.RelayServer + "/" + w.Spec.StreamID
	proc, err = w.Relayer.Start(ctx, url+"?key="+w.Cfg.RelayKey, dev)
	if err != nil {
		return fmt.Errorf("%w: start relay: %w", ErrSessionDeath, err)
	}
	started = time.Now()
	telemetry.AddRunning(1)
	log.Info("relaying stream", slog.String("name", name), slog.Int("pid", proc.Pid()))

	rs := store.RunningStream{
		ID:      w.Spec.StreamID,
		Name:    name,
		URL:     url,
		Channel: w.Spec.Channel.ID,
		Group:   w.Spec.Channel.Group,
	}
	if err := w.Store.AddRunningStream(ctx, rs); err != nil {
		return err
	}
	if w.Archive != nil {
		if err := w.Archive.RelayStarted(ctx, rs, started); err != nil {
			log.Debug("archive relay start failed", slog.Any("err", err))
		}
	}

	w.setState(StateDraining)
	return w.drain(ctx, sess, video, proc, log)
}

// locate opens the channel, enters the live stream and puts the player in
// fullscreen. It returns the video element and the stream's display name.
func (w *Worker) locate(ctx context.Context, sess session.Session) (session.Element, string, error) {
	var none session.Element
	if err := sess.Navigate(ctx, w.Spec.Channel.URL); err != nil {
		return none, "", err
	}
	surface, err := sess.WaitFor(ctx, SelLiveSurface, w.Cfg.LiveWaitTimeout)
	if err != nil {
		if errors.Is(err, session.ErrTimeout) || errors.Is(err, session.ErrNotFound) {
			return none, "", errNoSurface
		}
		return none, "", err
	}
	nameEl, err := sess.Find(ctx, surface, SelSurfaceName)
	if err != nil {
		return none, "", fmt.Errorf("%w: stream name: %w", ErrTransientUI, err)
	}
	name, err := sess.ReadText(ctx, nameEl)
	if err != nil {
		return none, "", err
	}
	if err := sess.Click(ctx, surface); err != nil {
		return none, "", err
	}
	sleepCtx(ctx, w.Cfg.SettleDelay)

	video, err := sess.WaitFor(ctx, SelVideo, w.Cfg.VideoWaitTimeout)
	if err != nil {
		if errors.Is(err, session.ErrTimeout) || errors.Is(err, session.ErrNotFound) {
			return none, "", errNoVideo
		}
		return none, "", err
	}
	sleepCtx(ctx, w.Cfg.SettleDelay)
	if err := sess.DoubleClick(ctx, video); err != nil {
		return none, "", err
	}
	if err := sess.RunScript(ctx, scriptHideCursor, nil); err != nil {
		return none, "", err
	}
	_ = sess.RunScript(ctx, scriptPlay, nil)
	return video, name, ctx.Err()
}

// drain pushes chat into the stream's queue until the video disappears.
func (w *Worker) drain(ctx context.Context, sess session.Session, video session.Element, proc relay.Process, log *slog.Logger) error {
	ing := NewChatIngestor(sess, video)
	for {
		batch, err := ing.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Info("stream ended")
			return ErrStreamEnded
		}
		if err != nil {
			return err
		}
		for _, m := range batch {
			if err := w.Store.PushChatMessage(ctx, w.Spec.StreamID, m); err != nil {
				return err
			}
			telemetry.Inc(telemetry.ChatIngested)
		}
		if !proc.Alive() {
			return fmt.Errorf("%w: relay process exited", ErrSessionDeath)
		}
		_ = sess.RunScript(ctx, scriptPlay, nil)

		sleepCtx(ctx, w.Cfg.ChatPollInterval)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// keepClaim holds the channel lease every ClaimTTL/3 until the returned stop
// func is called, so logins and restart backoffs never let it lapse.
func (w *Worker) keepClaim(ctx context.Context, log *slog.Logger) (stop func()) {
	every := w.Cfg.ClaimTTL / 3
	if every <= 0 {
		return func() {}
	}
	w.holdClaim(ctx, log)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.holdClaim(ctx, log)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// holdClaim extends the channel lease, taking it again if it lapsed.
func (w *Worker) holdClaim(ctx context.Context, log *slog.Logger) {
	ok, err := w.Store.RefreshClaim(ctx, w.Spec.Channel.ID, w.Spec.StreamID, w.Cfg.ClaimTTL)
	if err == nil && !ok {
		ok, err = w.Store.ClaimChannel(ctx, w.Spec.Channel.ID, w.Spec.StreamID, w.Cfg.ClaimTTL)
	}
	switch {
	case err != nil:
		log.Warn("refresh claim failed", slog.Any("err", err))
	case !ok:
		log.Warn("channel claimed by another stream")
	}
}

// teardown kills the relay, unpublishes the stream and ends the session.
func (w *Worker) teardown(ctx context.Context, sess session.Session, proc relay.Process, started time.Time, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			log.Warn("kill relay failed", slog.Int("pid", proc.Pid()), slog.Any("err", err))
		}
		telemetry.AddRunning(-1)
		if telemetry.RelayDuration != nil {
			telemetry.RelayDuration.Observe(time.Since(started).Seconds())
		}
	}
	if err := w.Store.RemoveRunningStream(cctx, w.Spec.StreamID); err != nil {
		log.Warn("remove running stream failed", slog.Any("err", err))
	}
	discard(ctx, w.Auth, sess, log)
}
