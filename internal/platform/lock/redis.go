package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a lock is held before Redis expires it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetryInterval sets the polling interval while waiting for a held lock.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retry = d }
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// Redis is a Locker backed by SET NX PX, usable across several router
// instances. A lock outlives a crashed holder by at most the TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedis creates a Redis locker.
func NewRedis(client *redis.Client, logger zerolog.Logger, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		prefix: "facility-router:lock:",
		logger: logger.With().Str("component", "redis-lock").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Acquire polls until the key is set or ctx is done. If ctx has no deadline
// the wait is bounded by the lock TTL.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ttl)
		defer cancel()
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	fullKey := r.prefix + key

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return r.releaser(fullKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaser(fullKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(fullKey, token) })
	}
}

func (r *Redis) release(fullKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Int()
	if err != nil {
		r.logger.Error().Err(err).Str("key", fullKey).Msg("failed to release lock")
		return
	}
	if n == 0 {
		r.logger.Warn().Str("key", fullKey).Msg("lock expired before release")
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
