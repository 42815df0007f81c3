package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reengage-service/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/cas_set.lua
var casSetScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	casScript     *redis.Script
	releaseScript *redis.Script
	owner         string
}

var _ store.KV = (*Client)(nil)

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		casScript:     redis.NewScript(casSetScript),
		releaseScript: redis.NewScript(releaseLockScript),
		owner:         uuid.New().String(),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func snapshotKey(key string) string {
	return fmt.Sprintf("engagement:snapshot:%s", key)
}

// Get reads a collection snapshot and its version
func (c *Client) Get(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := c.rdb.HMGet(ctx, snapshotKey(key), "value", "version").Result()
	if err != nil {
		return nil, 0, err
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, nil
	}

	value, ok := vals[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected snapshot value type %T", vals[0])
	}
	versionStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid snapshot version %q: %w", versionStr, err)
	}
	return []byte(value), version, nil
}

// Set atomically writes a snapshot if its version still matches, using Lua script
func (c *Client) Set(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	result, err := c.casScript.Run(ctx, c.rdb, []string{snapshotKey(key)}, value, expectedVersion).Result()
	if err != nil {
		return 0, fmt.Errorf("cas set script failed: %w", err)
	}

	version, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}
	if version < 0 {
		return 0, store.ErrVersionConflict
	}
	return version, nil
}

func guestEmailKey(sessionID string) string {
	return fmt.Sprintf("guest_email:%s", sessionID)
}

// RegisterGuestEmail remembers the email a guest entered for a session
func (c *Client) RegisterGuestEmail(ctx context.Context, sessionID, email string, ttl time.Duration) error {
	return c.rdb.Set(ctx, guestEmailKey(sessionID), email, ttl).Err()
}

// GuestEmail returns the email registered for a guest session, if any
func (c *Client) GuestEmail(ctx context.Context, sessionID string) (string, bool, error) {
	email, err := c.rdb.Get(ctx, guestEmailKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return email, email != "", nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock owned by this client
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), c.owner, ttl).Result()
}

// ReleaseLock releases a distributed lock if this client still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, c.owner).Err()
}
