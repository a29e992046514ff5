// Package runlock keeps batch runs from overlapping. Local guards a single
// process; Redis guards every replica sharing the same Redis.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("a batch run is already in progress")

// Locker hands out the batch lock. Release must be called exactly once.
type Locker interface {
	TryLock(ctx context.Context) (release func(), err error)
}

// Local is an in-process lock.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryLock(_ context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot free a lock taken by the next run.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease held in a Redis key. The TTL bounds how long a crashed
// holder can block other runs.
type Redis struct {
	client   redisLocker
	key      string
	ttl      time.Duration
	fallback *Local
	logger   zerolog.Logger
}

func NewRedis(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Redis {
	return newRedis(client, key, ttl, logger)
}

func newRedis(client redisLocker, key string, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client:   client,
		key:      key,
		ttl:      ttl,
		fallback: NewLocal(),
		logger:   logger.With().Str("component", "runlock").Str("key", key).Logger(),
	}
}

// TryLock takes the in-process lock first and then the Redis lease. When
// Redis is unreachable the run proceeds under the in-process lock alone.
func (r *Redis) TryLock(ctx context.Context) (func(), error) {
	releaseLocal, err := r.fallback.TryLock(ctx)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		r.logger.Warn().Err(err).Msg("redis lock unavailable, using in-process lock only")
		return releaseLocal, nil
	}
	if !ok {
		releaseLocal()
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer releaseLocal()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Eval(ctx, releaseScript, []string{r.key}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Msg("failed to release redis lock, it will expire")
			}
		})
	}, nil
}

// Describe returns a human-readable lock description for logs.
func (r *Redis) Describe() string {
	return fmt.Sprintf("redis:%s ttl=%s", r.key, r.ttl)
}
