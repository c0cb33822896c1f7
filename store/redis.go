package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts so a worker only touches a lease it still holds.
var (
	refreshClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisStore persists the coordination state in Redis. Running and upcoming
// streams are hashes keyed by stream id, chat queues are lists (LPUSH/RPOP).
type RedisStore struct {
	Client *redis.Client
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping "+addr, err)
	}
	return &RedisStore{Client: client}, nil
}

func (s *RedisStore) Close() error { return s.Client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) AddRunningStream(ctx context.Context, rs RunningStream) error {
	return s.hset(ctx, RunningStreamsKey, rs.ID, rs)
}

func (s *RedisStore) RemoveRunningStream(ctx context.Context, id string) error {
	pipe := s.Client.Pipeline()
	pipe.HDel(ctx, RunningStreamsKey, id)
	pipe.Del(ctx, ChatQueueKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("remove running stream "+id, err)
	}
	return nil
}

func (s *RedisStore) GetRunningStream(ctx context.Context, id string) (*RunningStream, error) {
	raw, err := s.Client.HGet(ctx, RunningStreamsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("hget "+RunningStreamsKey, err)
	}
	var rs RunningStream
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, fmt.Errorf("decode running stream %s: %w", id, err)
	}
	return &rs, nil
}

func (s *RedisStore) ListRunningStreams(ctx context.Context) ([]RunningStream, error) {
	out, err := hvals[RunningStream](ctx, s.Client, RunningStreamsKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) AddUpcomingStream(ctx context.Context, us UpcomingStream) error {
	return s.hset(ctx, UpcomingStreamsKey, us.ID, us)
}

func (s *RedisStore) RemoveUpcomingStream(ctx context.Context, id string) error {
	if err := s.Client.HDel(ctx, UpcomingStreamsKey, id).Err(); err != nil {
		return unavailable("hdel "+UpcomingStreamsKey, err)
	}
	return nil
}

func (s *RedisStore) ListUpcomingStreams(ctx context.Context) ([]UpcomingStream, error) {
	out, err := hvals[UpcomingStream](ctx, s.Client, UpcomingStreamsKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *RedisStore) PushChatMessage(ctx context.Context, streamID string, m ChatMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal chat message %s: %w", m.ID, err)
	}
	if err := s.Client.LPush(ctx, ChatQueueKey(streamID), b).Err(); err != nil {
		return unavailable("lpush "+ChatQueueKey(streamID), err)
	}
	return nil
}

func (s *RedisStore) PopChatMessage(ctx context.Context, streamID string) (*ChatMessage, error) {
	raw, err := s.Client.RPop(ctx, ChatQueueKey(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("rpop "+ChatQueueKey(streamID), err)
	}
	var m ChatMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode chat message: %w", err)
	}
	return &m, nil
}

func (s *RedisStore) ClaimChannel(ctx context.Context, channelID, streamID string, ttl time.Duration) (bool, error) {
	ok, err := s.Client.SetNX(ctx, ClaimKey(channelID), streamID, ttl).Result()
	if err != nil {
		return false, unavailable("setnx "+ClaimKey(channelID), err)
	}
	return ok, nil
}

func (s *RedisStore) RefreshClaim(ctx context.Context, channelID, streamID string, ttl time.Duration) (bool, error) {
	n, err := refreshClaimScript.Run(ctx, s.Client, []string{ClaimKey(channelID)}, streamID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("refresh "+ClaimKey(channelID), err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, channelID, streamID string) error {
	if err := releaseClaimScript.Run(ctx, s.Client, []string{ClaimKey(channelID)}, streamID).Err(); err != nil {
		return unavailable("release "+ClaimKey(channelID), err)
	}
	return nil
}

func (s *RedisStore) ClaimHolder(ctx context.Context, channelID string) (string, error) {
	v, err := s.Client.Get(ctx, ClaimKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get "+ClaimKey(channelID), err)
	}
	return v, nil
}

// DeleteAll also sweeps chat queues and claims whose stream record is already gone.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	keys := []string{RunningStreamsKey, UpcomingStreamsKey}
	for _, pattern := range []string{"stream_*_chat_messages", "channel_*_claim"} {
		iter := s.Client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return unavailable("scan "+pattern, err)
		}
	}
	if err := s.Client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *RedisStore) hset(ctx context.Context, key, field string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", key, field, err)
	}
	if err := s.Client.HSet(ctx, key, field, string(b)).Err(); err != nil {
		return unavailable("hset "+key, err)
	}
	return nil
}

func hvals[T any](ctx context.Context, c *redis.Client, key string) ([]T, error) {
	vals, err := c.HVals(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hvals "+key, err)
	}
	out := make([]T, 0, len(vals))
	for _, raw := range vals {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// one corrupt record must not hide the rest
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
