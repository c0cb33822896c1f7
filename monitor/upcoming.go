package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/relay-tender/config"
	"github.com/onnwee/relay-tender/schedule"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/telemetry"
)

// UpcomingExtractor mines a channel's newest chat entries for announced
// broadcasts and records them as upcoming streams.
type UpcomingExtractor struct {
	Store store.Store
	// Extractor may be nil, which disables extraction.
	Extractor schedule.Extractor
	// Window is how many of the newest entries are considered per visit.
	Window int
	Now    func() time.Time
	NewID  func() string
}

func (u *UpcomingExtractor) now() time.Time {
	if u.Now != nil {
		return u.Now()
	}
	return time.Now()
}

func (u *UpcomingExtractor) newID() string {
	if u.NewID != nil {
		return u.NewID()
	}
	return uuid.NewString()
}

// Scan reads up to Window entries newest first, stopping at the entry that
// was newest on the previous visit. The newest entry becomes the marker for
// the next visit. Failures on single entries are logged and skipped; only a
// dead session or an unreachable store is returned.
func (u *UpcomingExtractor) Scan(ctx context.Context, sess session.Session, ch config.Channel, st *ScanState) error {
	if u == nil || u.Extractor == nil {
		return nil
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "upcoming"), slog.String("channel", ch.ID))

	entries, err := sess.FindAll(ctx, SelChatEntries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	slices.Reverse(entries)
	if u.Window > 0 && len(entries) > u.Window {
		entries = entries[:u.Window]
	}

	prev := st.LastMessages[ch.ID]
	for i, el := range entries {
		m, err := parseChatEntry(ctx, sess, el)
		if err != nil {
			if errors.Is(err, session.ErrSessionDead) {
				return err
			}
			log.Debug("skip chat entry", slog.Any("err", err))
			continue
		}
		if i == 0 {
			st.LastMessages[ch.ID] = m.ID
		}
		if prev != "" && m.ID == prev {
			break
		}

		found, err := u.Extractor.Extract(ctx, m.Message, ch.Group)
		if err != nil {
			telemetry.Inc(telemetry.ExtractFailures)
			log.Warn("schedule extraction failed", slog.String("message_id", m.ID), slog.Any("err", err))
			continue
		}
		for _, a := range found {
			us := store.UpcomingStream{
				ID:        u.newID(),
				Name:      a.Name,
				StartTime: schedule.Normalize(a, u.now()),
				Channel:   ch.ID,
				Group:     ch.Group,
			}
			if err := u.Store.AddUpcomingStream(ctx, us); err != nil {
				return err
			}
			telemetry.Inc(telemetry.UpcomingFound)
			log.Info("upcoming stream found", slog.String("name", us.Name), slog.Time("start_time", us.StartTime))
		}
	}
	return nil
}
