package store

import "time"

// RunningStream is a channel broadcast currently being relayed.
type RunningStream struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Channel string `json:"channel"`
	Group   string `json:"group"`
}

// UpcomingStream is a broadcast announced in chat. StartTime is UTC on a 15 minute grid.
type UpcomingStream struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Channel   string    `json:"channel"`
	Group     string    `json:"group"`
}

// Expired reports whether the stream's start time has passed.
func (u UpcomingStream) Expired(now time.Time) bool {
	return u.StartTime.Before(now)
}

// BaseChatMessage is the quoted part of a reply; the page exposes no id for it.
type BaseChatMessage struct {
	Message string `json:"message"`
	Author  string `json:"author"`
}

// ChatMessage is one chat entry as observed on the channel page.
// Time is the timestamp exactly as displayed.
type ChatMessage struct {
	ID      string           `json:"id"`
	Message string           `json:"message"`
	Author  string           `json:"author"`
	Time    string           `json:"time"`
	ReplyTo *BaseChatMessage `json:"reply_to"`
}
