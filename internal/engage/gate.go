package engage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"doyen/internal/logging"
)

// ErrSendInProgress is returned while another batch holds the send gate.
var ErrSendInProgress = errors.New("outbound batch already in progress")

// Gate serializes outbound batches. Acquire never waits: a held gate
// yields ErrSendInProgress.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalGate serializes batches within one process.
type LocalGate struct {
	mu sync.Mutex
}

func (g *LocalGate) Acquire(ctx context.Context) (func(), error) {
	if !g.mu.TryLock() {
		return nil, ErrSendInProgress
	}
	return g.mu.Unlock, nil
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisGate serializes batches across processes sharing one Redis.
// The TTL bounds how long a crashed holder blocks others.
type RedisGate struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisGate(client redis.Cmdable, key string, ttl time.Duration) *RedisGate {
	return &RedisGate{client: client, key: key, ttl: ttl}
}

func (g *RedisGate) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire send lock: %w", err)
	}
	if !ok {
		return nil, ErrSendInProgress
	}
	return func() {
		// released with a fresh context so a cancelled batch still frees the lock
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.client, []string{g.key}, token).Err(); err != nil {
			logging.Warn("send_lock_release_failed", map[string]any{"key": g.key, "error": err.Error()})
		}
	}, nil
}
