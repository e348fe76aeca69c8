package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/ticketgate/internal/usecase"
)

const rateLimitKeyFormat = "ticketgate:ratelimit:%s"

// the window starts with the first request; later requests never extend it
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares fixed windows between gateway replicas.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

var _ usecase.RateLimiter = (*RedisLimiter)(nil)

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Cache.RedisLimiter.Allow")
	defer span.End()

	n, err := fixedWindowScript.Run(ctx, l.rdb, []string{fmt.Sprintf(rateLimitKeyFormat, key)}, l.window.Milliseconds()).Int64()
	if err != nil {
		span.RecordError(err)
		return false, errors.Wrap(err, "Cache.RedisLimiter.Allow")
	}
	return n <= int64(l.limit), nil
}
