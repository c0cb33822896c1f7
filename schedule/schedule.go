// Package schedule turns free-form chat announcements into normalized
// upcoming-stream start times.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrParse marks a response from the extractor that could not be interpreted.
var ErrParse = errors.New("schedule: malformed extraction response")

// Announcement is one stream mentioned in a message. At most one of
// StartAbsolute and StartRelative is used; when both are nil the stream is
// taken to start now.
type Announcement struct {
	Name          string
	StartAbsolute *time.Time
	StartRelative *time.Duration
}

// Extractor finds stream announcements in a chat message.
type Extractor interface {
	Extract(ctx context.Context, text, group string) ([]Announcement, error)
}

// Normalize resolves the announcement's start against now and rounds it onto
// the 15 minute grid in UTC.
func Normalize(a Announcement, now time.Time) time.Time {
	start := now
	switch {
	case a.StartAbsolute != nil:
		start = *a.StartAbsolute
	case a.StartRelative != nil:
		start = now.Add(*a.StartRelative)
	}
	return RoundTo15(start)
}

// RoundTo15 rounds the minute to the nearest quarter hour (half up) and drops
// seconds. A minute that rounds to 60 rolls into the next hour.
func RoundTo15(t time.Time) time.Time {
	t = t.UTC()
	m := int(math.Round(float64(t.Minute())/15) * 15)
	base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	return base.Add(time.Duration(m) * time.Minute)
}

type rawStream struct {
	Name     string          `json:"name"`
	Absolute string          `json:"start_time_absolute"`
	Relative json.RawMessage `json:"start_time_relative"`
}

// ParseResponse decodes the extractor's JSON reply. The expected shape is
// {"streams":[{"name":..,"start_time_absolute":..|"start_time_relative":..}]}.
// A bare empty array means no announcement.
func ParseResponse(body string) ([]Announcement, error) {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "[") {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(body), &arr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if len(arr) == 0 {
			return nil, nil
		}
		body = `{"streams":` + body + `}`
	}
	var env struct {
		Streams []rawStream `json:"streams"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	out := make([]Announcement, 0, len(env.Streams))
	for _, s := range env.Streams {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: stream without name", ErrParse)
		}
		a := Announcement{Name: strings.TrimSpace(s.Name)}
		if s.Absolute != "" {
			t, err := parseAbsolute(s.Absolute)
			if err != nil {
				return nil, err
			}
			a.StartAbsolute = &t
		} else if len(s.Relative) > 0 && string(s.Relative) != "null" {
			d, err := parseRelative(s.Relative)
			if err != nil {
				return nil, err
			}
			a.StartRelative = &d
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAbsolute(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: start_time_absolute %q", ErrParse, s)
}

// parseRelative accepts seconds as a JSON number or a numeric string.
func parseRelative(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: start_time_relative %s", ErrParse, string(raw))
	}
	return time.Duration(secs * float64(time.Second)), nil
}
