package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
	"github.com/onnwee/relay-tender/telemetry"
)

// ChatIngestor reads newly appended chat entries from an open channel page.
// It yields batches until the video element disappears, then io.EOF.
//
// New entries are detected by length delta against the previous read. If the
// list shrinks (the page trimmed its history) the baseline is reset without
// yielding, so a few messages can be missed but none are yielded twice.
type ChatIngestor struct {
	sess  session.Session
	video session.Element

	seen    int
	started bool
	ended   bool
}

func NewChatIngestor(sess session.Session, video session.Element) *ChatIngestor {
	return &ChatIngestor{sess: sess, video: video}
}

// Next returns the entries appended since the previous call. The first call
// returns every entry on the page. Entries that fail to parse are skipped.
func (c *ChatIngestor) Next(ctx context.Context) ([]store.ChatMessage, error) {
	if c.ended {
		return nil, io.EOF
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_ingest"))

	entries, err := c.sess.FindAll(ctx, SelChatEntries)
	if err != nil {
		return nil, err
	}

	var fresh []session.Element
	switch {
	case !c.started:
		fresh = entries
		c.started = true
	case len(entries) > c.seen:
		fresh = entries[c.seen:]
	case len(entries) < c.seen:
		log.Debug("chat list shrank, rebaselining", slog.Int("was", c.seen), slog.Int("now", len(entries)))
	}
	c.seen = len(entries)

	batch := make([]store.ChatMessage, 0, len(fresh))
	for _, el := range fresh {
		m, err := parseChatEntry(ctx, c.sess, el)
		if err != nil {
			if errors.Is(err, session.ErrSessionDead) {
				return nil, err
			}
			log.Debug("skip chat entry", slog.Any("err", err))
			continue
		}
		batch = append(batch, m)
	}

	if shown, err := c.sess.IsDisplayed(ctx, c.video); err != nil || !shown {
		c.ended = true
		if len(batch) == 0 {
			return nil, io.EOF
		}
	}
	return batch, nil
}

// parseChatEntry reads one chat entry. The reply part is optional.
func parseChatEntry(ctx context.Context, sess session.Session, el session.Element) (store.ChatMessage, error) {
	var m store.ChatMessage
	id, err := sess.Attribute(ctx, el, "id")
	if err != nil {
		return m, fmt.Errorf("entry id: %w", err)
	}
	m.ID = id

	fields := []struct {
		sel string
		dst *string
	}{
		{SelMsgBody, &m.Message},
		{SelMsgAuthor, &m.Author},
		{SelMsgTime, &m.Time},
	}
	for _, f := range fields {
		child, err := sess.Find(ctx, el, f.sel)
		if err != nil {
			return m, fmt.Errorf("entry %s %s: %w", id, f.sel, err)
		}
		if *f.dst, err = sess.ReadText(ctx, child); err != nil {
			return m, fmt.Errorf("entry %s %s: %w", id, f.sel, err)
		}
	}
	m.Author = strings.TrimSpace(m.Author)

	replyEl, err := sess.Find(ctx, el, SelReplyBody)
	if err != nil {
		return m, nil
	}
	reply := &store.BaseChatMessage{}
	if reply.Message, err = sess.ReadText(ctx, replyEl); err != nil {
		return m, nil
	}
	if authorEl, err := sess.Find(ctx, el, SelReplyAuthor); err == nil {
		reply.Author, _ = sess.ReadText(ctx, authorEl)
	}
	m.ReplyTo = reply
	return m, nil
}
