package media

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// HintStore publishes a "streams active" flag other processes may consult
// before opening devices. It is advisory only.
type HintStore interface {
	SetActive(ctx context.Context, active bool) error
	Active(ctx context.Context) (bool, error)
}

// MemoryHints keeps the flag in process.
type MemoryHints struct {
	active atomic.Bool
}

func (h *MemoryHints) SetActive(_ context.Context, active bool) error {
	h.active.Store(active)
	return nil
}

func (h *MemoryHints) Active(context.Context) (bool, error) {
	return h.active.Load(), nil
}

// RedisConfig configures RedisHints.
type RedisConfig struct {
	Addr string
	Key  string
	TTL  time.Duration
}

// RedisHints stores the flag as a key holding the owner id that expires
// after TTL, so a crashed holder does not leave it set forever. Holders
// rewrite it every RefreshInterval and only the owner may clear it.
type RedisHints struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
}

var (
	// claimHint sets the key unless another owner holds it.
	claimHint = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)

	releaseHint = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

func NewRedisHints(cfg RedisConfig) *RedisHints {
	if cfg.Key == "" {
		cfg.Key = "livestream:streams-active"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &RedisHints{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			DialTimeout: time.Second,
			ReadTimeout: time.Second,
			MaxRetries:  -1,
		}),
		key:   cfg.Key,
		ttl:   cfg.TTL,
		owner: uuid.NewString(),
	}
}

// SetActive claims or refreshes the key when active. A key held by another
// process is left alone; it already signals active streams. Clearing only
// deletes a key this process owns.
func (h *RedisHints) SetActive(ctx context.Context, active bool) error {
	if active {
		if err := claimHint.Run(ctx, h.client, []string{h.key}, h.owner, h.ttl.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("set hint: %w", err)
		}
		return nil
	}
	if err := releaseHint.Run(ctx, h.client, []string{h.key}, h.owner).Err(); err != nil {
		return fmt.Errorf("clear hint: %w", err)
	}
	return nil
}

func (h *RedisHints) Active(ctx context.Context) (bool, error) {
	n, err := h.client.Exists(ctx, h.key).Result()
	if err != nil {
		return false, fmt.Errorf("read hint: %w", err)
	}
	return n > 0, nil
}

// RefreshInterval is how often a holder must rewrite the key.
func (h *RedisHints) RefreshInterval() time.Duration { return h.ttl / 3 }

func (h *RedisHints) Close() error {
	return h.client.Close()
}
