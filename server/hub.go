package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/relay-tender/store"
)

const subscriberBuffer = 64

// ChatHub fans chat messages out to every HTTP subscriber of a stream. For each
// stream with at least one subscriber the hub runs a single pump that pops the
// stream's queue, so every popped message reaches all current subscribers and
// no two readers compete for the queue.
type ChatHub struct {
	store store.Store
	poll  time.Duration
	base  context.Context

	mu    sync.Mutex
	rooms map[string]*chatRoom
}

type chatRoom struct {
	subs   map[chan store.ChatMessage]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChatHub returns a hub whose pumps live no longer than ctx.
func NewChatHub(ctx context.Context, s store.Store, poll time.Duration) *ChatHub {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &ChatHub{store: s, poll: poll, base: ctx, rooms: make(map[string]*chatRoom)}
}

// Subscribe registers a subscriber for streamID. The returned channel is closed
// after unsubscribe is called or the hub context ends. Slow subscribers miss
// messages rather than stall the pump.
func (h *ChatHub) Subscribe(streamID string) (<-chan store.ChatMessage, func()) {
	ch := make(chan store.ChatMessage, subscriberBuffer)

	h.mu.Lock()
	room, ok := h.rooms[streamID]
	if !ok {
		ctx, cancel := context.WithCancel(h.base)
		room = &chatRoom{subs: make(map[chan store.ChatMessage]struct{}), cancel: cancel, done: make(chan struct{})}
		h.rooms[streamID] = room
		go h.pump(ctx, streamID, room)
	}
	room.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() { once.Do(func() { h.unsubscribe(streamID, room, ch) }) }
}

func (h *ChatHub) unsubscribe(streamID string, room *chatRoom, ch chan store.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := room.subs[ch]; !ok {
		return
	}
	delete(room.subs, ch)
	close(ch)
	if len(room.subs) == 0 {
		room.cancel()
		if h.rooms[streamID] == room {
			delete(h.rooms, streamID)
		}
	}
}

// Subscribers reports how many subscribers streamID has.
func (h *ChatHub) Subscribers(streamID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[streamID]; ok {
		return len(room.subs)
	}
	return 0
}

func (h *ChatHub) pump(ctx context.Context, streamID string, room *chatRoom) {
	defer close(room.done)
	log := slog.Default().With(slog.String("component", "chat_hub"), slog.String("stream_id", streamID))
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		// popping is destructive: stop as soon as the last subscriber leaves
		for ctx.Err() == nil {
			msg, err := h.store.PopChatMessage(ctx, streamID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("pop chat message", slog.Any("err", err))
				}
				break
			}
			if msg == nil {
				break
			}
			h.broadcast(room, *msg)
		}
		select {
		case <-ctx.Done():
			h.closeRoom(streamID, room)
			return
		case <-ticker.C:
		}
	}
}

func (h *ChatHub) broadcast(room *chatRoom, msg store.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range room.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// closeRoom releases subscribers left behind when the hub context ends.
func (h *ChatHub) closeRoom(streamID string, room *chatRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range room.subs {
		delete(room.subs, ch)
		close(ch)
	}
	if h.rooms[streamID] == room {
		delete(h.rooms, streamID)
	}
}
