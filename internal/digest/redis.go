package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/feed-digest/internal/aggregate"
)

// ErrSinkClosed is returned by Deliver after a sink has been closed.
var ErrSinkClosed = errors.New("digest sink closed")

// redisEnvelope is the JSON shape pushed onto the per-user list.
type redisEnvelope struct {
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	SummaryText string    `json:"summary_text"`
	ItemsCount  int       `json:"items_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisSink delivers digests by LPUSHing them onto per-user Redis lists,
// where an external consumer pops them.
type RedisSink struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSink connects to Redis from a URL ("redis://host:port/db") or a
// bare host:port address.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{client: client, keyPrefix: "digests:"}, nil
}

// NewRedisSinkWithClient injects a client, used by tests.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, keyPrefix: "digests:"}
}

// Key returns the Redis list key for a user.
func (s *RedisSink) Key(userID string) string {
	return s.keyPrefix + userID
}

// Deliver pushes the digest onto the user's list.
func (s *RedisSink) Deliver(ctx context.Context, out *aggregate.Output) error {
	payload, err := json.Marshal(redisEnvelope{
		UserID:      out.UserID,
		Kind:        string(out.Kind),
		Text:        ComposeText(out),
		SummaryText: out.SummaryText,
		ItemsCount:  out.Metadata.ItemsCount,
		CreatedAt:   out.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode digest for %s: %w", out.UserID, err)
	}
	if err := s.client.LPush(ctx, s.Key(out.UserID), payload).Err(); err != nil {
		return fmt.Errorf("push digest for %s: %w", out.UserID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
