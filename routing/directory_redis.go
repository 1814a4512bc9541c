package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luckyim/delivery/interfaces"
)

// UserKeyPrefix is the redis key namespace for user location entries.
const UserKeyPrefix = "IM-USER-"

// Conditional delete and refresh scripts: both only act when the entry
// still points at the calling node, so a stale node can never clobber a
// newer binding.
var (
	delIfEqual = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)

	expireIfEqual = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)
)

// RedisDirectory is the shared user -> connect-node location directory on
// Redis. Entries carry a TTL refreshed by the owning node's presence loop,
// so a crashed node's routes age out on their own.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory connects a directory to the given Redis address.
func NewRedisDirectory(ctx context.Context, addr string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisDirectory{client: client}, nil
}

// NewRedisDirectoryFromClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisDirectoryFromClient(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

func userKey(userID string) string {
	return UserKeyPrefix + userID
}

func (d *RedisDirectory) Locate(ctx context.Context, userID string) (string, error) {
	nodeID, err := d.client.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", interfaces.ErrNoRoute
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate user %s: %w", userID, err)
	}
	return nodeID, nil
}

func (d *RedisDirectory) Register(ctx context.Context, userID, nodeID string, ttl time.Duration) error {
	if err := d.client.Set(ctx, userKey(userID), nodeID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to register user %s: %w", userID, err)
	}
	return nil
}

func (d *RedisDirectory) Refresh(ctx context.Context, userID, nodeID string, ttl time.Duration) (bool, error) {
	n, err := expireIfEqual.Run(ctx, d.client, []string{userKey(userID)}, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh user %s: %w", userID, err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) Deregister(ctx context.Context, userID, nodeID string) error {
	if err := delIfEqual.Run(ctx, d.client, []string{userKey(userID)}, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to deregister user %s: %w", userID, err)
	}
	return nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

// NewDirectory creates a Directory from configuration.
func NewDirectory(ctx context.Context, cfg interfaces.RoutingConfig) (interfaces.Directory, error) {
	switch cfg.Directory {
	case "", "memory":
		return NewMemoryDirectory(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis directory requires an address")
		}
		return NewRedisDirectory(ctx, cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unsupported directory backend: %s", cfg.Directory)
	}
}
