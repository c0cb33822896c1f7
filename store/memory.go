package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type claim struct {
	streamID string
	expires  time.Time
}

// MemoryStore is an in-process Store. It backs tests and single-process
// local runs (STORE_BACKEND=memory, WORKER_MODE=inprocess).
type MemoryStore struct {
	// Now is used for claim expiry; defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	running  map[string]RunningStream
	upcoming map[string]UpcomingStream
	queues   map[string][]ChatMessage
	claims   map[string]claim
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		running:  map[string]RunningStream{},
		upcoming: map[string]UpcomingStream{},
		queues:   map[string][]ChatMessage{},
		claims:   map[string]claim{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) AddRunningStream(_ context.Context, s RunningStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[s.ID] = s
	return nil
}

func (m *MemoryStore) RemoveRunningStream(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
	delete(m.queues, id)
	return nil
}

func (m *MemoryStore) GetRunningStream(_ context.Context, id string) (*RunningStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.running[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListRunningStreams(_ context.Context) ([]RunningStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunningStream, 0, len(m.running))
	for _, s := range m.running {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AddUpcomingStream(_ context.Context, s UpcomingStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upcoming[s.ID] = s
	return nil
}

func (m *MemoryStore) RemoveUpcomingStream(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.upcoming, id)
	return nil
}

func (m *MemoryStore) ListUpcomingStreams(_ context.Context) ([]UpcomingStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpcomingStream, 0, len(m.upcoming))
	for _, s := range m.upcoming {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) PushChatMessage(_ context.Context, streamID string, msg ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[streamID] = append(m.queues[streamID], msg)
	return nil
}

func (m *MemoryStore) PopChatMessage(_ context.Context, streamID string) (*ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[streamID]
	if len(q) == 0 {
		return nil, nil
	}
	msg := q[0]
	m.queues[streamID] = q[1:]
	return &msg, nil
}

// QueueLen reports the number of queued chat messages for a stream.
func (m *MemoryStore) QueueLen(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[streamID])
}

func (m *MemoryStore) liveClaim(channelID string) (claim, bool) {
	c, ok := m.claims[channelID]
	if !ok {
		return claim{}, false
	}
	if !m.now().Before(c.expires) {
		delete(m.claims, channelID)
		return claim{}, false
	}
	return c, true
}

func (m *MemoryStore) ClaimChannel(_ context.Context, channelID, streamID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.liveClaim(channelID); held {
		return false, nil
	}
	m.claims[channelID] = claim{streamID: streamID, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RefreshClaim(_ context.Context, channelID, streamID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, held := m.liveClaim(channelID)
	if !held || c.streamID != streamID {
		return false, nil
	}
	m.claims[channelID] = claim{streamID: streamID, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, channelID, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, held := m.liveClaim(channelID); held && c.streamID == streamID {
		delete(m.claims, channelID)
	}
	return nil
}

func (m *MemoryStore) ClaimHolder(_ context.Context, channelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _ := m.liveClaim(channelID)
	return c.streamID, nil
}

func (m *MemoryStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = map[string]RunningStream{}
	m.upcoming = map[string]UpcomingStream{}
	m.queues = map[string][]ChatMessage{}
	m.claims = map[string]claim{}
	return nil
}
