package presencesync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps online users in one hash: field user id, value last seen
// time in RFC 3339.
type RedisMirror struct {
	client *redis.Client
	key    string
}

var _ Mirror = (*RedisMirror)(nil)

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key}
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string, lastSeenAt time.Time) error {
	if err := m.client.HSet(ctx, m.key, userID, lastSeenAt.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("presencesync: hset %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	if err := m.client.HDel(ctx, m.key, userID).Err(); err != nil {
		return fmt.Errorf("presencesync: hdel %s: %w", userID, err)
	}
	return nil
}

// OnlineUsers reads the mirrored set back.
func (m *RedisMirror) OnlineUsers(ctx context.Context) (map[string]time.Time, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presencesync: hgetall: %w", err)
	}
	out := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		out[id] = at
	}
	return out, nil
}

// Clear drops the hash. Called at startup, since this process has no
// sessions yet.
func (m *RedisMirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}
