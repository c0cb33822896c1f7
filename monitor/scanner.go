package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/relay-tender/config"
	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/telemetry"
)

// ScanState is the scanner's memory between iterations. It is owned by a
// single Scanner and never shared.
type ScanState struct {
	// Next is the index of the channel visited by the next step.
	Next int
	// StreamIDs maps channel id to the stream id last spawned for it.
	StreamIDs map[string]string
	// LastMessages maps channel id to the newest chat entry id already mined.
	LastMessages map[string]string
}

func NewScanState() *ScanState {
	return &ScanState{StreamIDs: map[string]string{}, LastMessages: map[string]string{}}
}

// StepResult describes one scanner iteration.
type StepResult struct {
	Channel config.Channel
	// Skipped is set when a relay for the channel is already running or
	// claimed; the page was not visited.
	Skipped  bool
	Live     bool
	StreamID string
}

// Scanner visits the channels round-robin with one long-lived session,
// spawning a worker for each broadcast it finds.
type Scanner struct {
	Channels []config.Channel
	Store    store.Store
	Auth     Authenticator
	Device   devices.Device
	Upcoming *UpcomingExtractor
	Spawner  Spawner
	Archive  Archive

	LiveWaitTimeout time.Duration
	// RestartDelay is the pause between failed session creations.
	RestartDelay time.Duration
	// SkipDelay is the pause after a skipped channel so a fully busy
	// rotation does not spin.
	SkipDelay time.Duration
	ClaimTTL  time.Duration
	NewID     func() string

	// State carries the rotation index and mining markers across Run
	// restarts. Run creates it when nil.
	State *ScanState
}

func (s *Scanner) Name() string { return "scanner" }

func (s *Scanner) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Run loops until ctx is done. Any step error discards the session and a new
// one is logged in; scanning continues from the next channel.
func (s *Scanner) Run(ctx context.Context) error {
	if len(s.Channels) == 0 {
		return errors.New("scanner: no channels configured")
	}
	log := slog.Default().With(slog.String("component", "scanner"))
	if s.State == nil {
		s.State = NewScanState()
	}
	st := s.State

	var sess session.Session
	defer func() { discard(ctx, s.Auth, sess, log) }()

	for ctx.Err() == nil {
		if sess == nil {
			var err error
			sess, err = s.Auth.Login(ctx, s.Device)
			if err != nil {
				sess = nil
				if ctx.Err() != nil {
					break
				}
				log.Warn("scanner login failed", slog.Any("err", err), slog.Duration("retry_in", s.RestartDelay))
				sleepCtx(ctx, s.RestartDelay)
				continue
			}
		}

		res, err := s.Step(ctx, sess, st)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("scan step failed, recreating session",
				slog.String("channel", res.Channel.ID),
				slog.String("reason", Reason(err)),
				slog.Any("err", err))
			telemetry.Inc(telemetry.SessionRecreates)
			discard(ctx, s.Auth, sess, log)
			sess = nil
			continue
		}
		if res.Skipped {
			sleepCtx(ctx, s.SkipDelay)
		}
	}
	return nil
}

// Step performs one iteration: advance to the next channel, skip it if its
// relay is running, otherwise visit it, mine its chat for announcements and
// spawn a worker when it is live.
func (s *Scanner) Step(ctx context.Context, sess session.Session, st *ScanState) (res StepResult, err error) {
	ch := s.Channels[st.Next%len(s.Channels)]
	st.Next = (st.Next + 1) % len(s.Channels)
	res.Channel = ch

	ctx, span := telemetry.StartSpan(ctx, "monitor", "scanner.step", attribute.String("channel", ch.ID))
	defer func() {
		telemetry.RecordError(span, err)
		span.SetAttributes(attribute.Bool("live", res.Live), attribute.Bool("skipped", res.Skipped))
		span.End()
	}()
	start := time.Now()
	defer func() {
		if telemetry.ScanStepDuration != nil {
			telemetry.ScanStepDuration.Observe(time.Since(start).Seconds())
		}
	}()
	telemetry.Inc(telemetry.ScannerIterations)
	log := slog.Default().With(slog.String("component", "scanner"), slog.String("channel", ch.ID))

	busy, err := s.relayActive(ctx, ch, st)
	if err != nil {
		return res, err
	}
	if busy {
		telemetry.Inc(telemetry.ScannerSkips)
		log.Debug("relay already running, skipping")
		res.Skipped = true
		return res, nil
	}

	if err := sess.Navigate(ctx, ch.URL); err != nil {
		return res, fmt.Errorf("navigate %s: %w", ch.ID, err)
	}
	_, werr := sess.WaitFor(ctx, SelLiveSurface, s.LiveWaitTimeout)
	if werr != nil && !errors.Is(werr, session.ErrTimeout) && !errors.Is(werr, session.ErrNotFound) {
		return res, werr
	}

	// chat is mined on every visit, live or not
	if err := s.Upcoming.Scan(ctx, sess, ch, st); err != nil {
		return res, err
	}
	s.heartbeat(ctx, log)

	if werr != nil {
		log.Debug("not live")
		return res, nil
	}

	id := s.newID()
	ok, err := s.Store.ClaimChannel(ctx, ch.ID, id, s.ClaimTTL)
	if err != nil {
		return res, err
	}
	if !ok {
		log.Info("live but claimed elsewhere")
		res.Skipped = true
		return res, nil
	}
	st.StreamIDs[ch.ID] = id
	res.Live, res.StreamID = true, id
	telemetry.Inc(telemetry.LiveDetections)
	log.Info("stream found", slog.String("stream_id", id))

	spec := WorkerSpec{Channel: ch, StreamID: id, Slot: s.slot(ch)}
	if err := s.Spawner.Spawn(ctx, spec); err != nil {
		// not a session problem; the next visit retries
		log.Error("spawn worker failed", slog.String("stream_id", id), slog.Any("err", err))
		if rerr := s.Store.ReleaseClaim(context.WithoutCancel(ctx), ch.ID, id); rerr != nil {
			log.Warn("release claim failed", slog.Any("err", rerr))
		}
	}
	return res, nil
}

// relayActive reports whether the channel's last spawned stream is still
// running or the channel is claimed by a worker that has not published yet.
func (s *Scanner) relayActive(ctx context.Context, ch config.Channel, st *ScanState) (bool, error) {
	if id := st.StreamIDs[ch.ID]; id != "" {
		rs, err := s.Store.GetRunningStream(ctx, id)
		if err != nil {
			return false, err
		}
		if rs != nil {
			return true, nil
		}
	}
	holder, err := s.Store.ClaimHolder(ctx, ch.ID)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

func (s *Scanner) slot(ch config.Channel) int {
	for i, c := range s.Channels {
		if c.ID == ch.ID {
			return i
		}
	}
	return 0
}

func (s *Scanner) heartbeat(ctx context.Context, log *slog.Logger) {
	if s.Archive == nil {
		return
	}
	if err := s.Archive.Heartbeat(ctx, "job_scanner_last"); err != nil {
		log.Debug("scanner heartbeat failed", slog.Any("err", err))
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
