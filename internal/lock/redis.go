package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

const defaultPoll = 50 * time.Millisecond

type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease lock shared by every process using the same Redis.
// The lease expires after ttl so a crashed holder cannot block a thread forever.
type Redis struct {
	rdb  redisAPI
	ttl  time.Duration
	wait time.Duration
	poll time.Duration
	log  *zap.Logger
}

func NewRedis(rdb redisAPI, ttl, wait time.Duration, log *zap.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, ttl: ttl, wait: wait, poll: defaultPoll, log: log}, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	key = "lock:" + key
	token := uuid.NewString()

	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
		}
		if ok {
			return r.releaser(key, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaser(key, token string) func() {
	return func() {
		// The caller's context may already be cancelled when releasing.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := r.rdb.Eval(ctx, releaseScript, []string{key}, token).Int64()
		switch {
		case err != nil:
			// The key stays held until its lease runs out.
			r.log.Error("redis lock release failed",
				zap.String("key", key), zap.Duration("lease", r.ttl), zap.Error(err))
		case n == 0:
			r.log.Warn("redis lock lease expired before release", zap.String("key", key), zap.Duration("lease", r.ttl))
		}
	}
}
