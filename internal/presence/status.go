package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusPrefix is the Redis key prefix for per-user presence hashes.
	StatusPrefix = "presence:"

	// StatusTTL bounds how long a presence record outlives its last update,
	// so a crashed server's "online" flags eventually expire.
	StatusTTL = 24 * time.Hour
)

// Status is a user's persisted presence state.
type Status struct {
	Online   bool
	LastSeen time.Time // zero while online
}

// StatusStore keeps online/last-seen state in Redis.
type StatusStore struct {
	client *redis.Client
}

// NewStatusStore creates a StatusStore using the provided Redis client.
func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client}
}

// SetOnline marks the user online. While online, last-seen is undefined.
func (s *StatusStore) SetOnline(ctx context.Context, userID string) error {
	key := StatusPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "true", "last_seen", "0")
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

// SetOffline marks the user offline and stamps last-seen with now.
func (s *StatusStore) SetOffline(ctx context.Context, userID string) error {
	key := StatusPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "false", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}

// Get returns the persisted presence of a user. A user with no record is
// reported offline with a zero last-seen.
func (s *StatusStore) Get(ctx context.Context, userID string) (Status, error) {
	key := StatusPrefix + userID

	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("presence: get status: %w", err)
	}
	if len(result) == 0 {
		return Status{}, nil
	}

	st := Status{Online: result["online"] == "true"}
	if ts, _ := strconv.ParseInt(result["last_seen"], 10, 64); ts > 0 {
		st.LastSeen = time.Unix(ts, 0)
	}
	return st, nil
}
