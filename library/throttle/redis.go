package throttle

import (
	"context"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter backed by redis sorted sets,
// shared by every instance of the service.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter create new RedisLimiter
func NewRedisLimiter(rdb *redis.Client, prefix string, clock func() time.Time) (*RedisLimiter, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, clock: clock}, nil
}

// Allow adds a hit for key, then rolls it back when the window is already full.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, errors.Errorf("limit and window must be positive")
	}

	now := l.clock()
	bucket := l.prefix + key
	member := gutils.UUID7()
	cutoff := now.Add(-window).UnixMicro()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, bucket, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, bucket, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, bucket)
		oldest = pipe.ZRangeWithScores(ctx, bucket, 0, 0)
		pipe.PExpire(ctx, bucket, window)
		return nil
	})
	if err != nil {
		return Decision{}, errors.Wrap(err, "redis sliding window")
	}

	if card.Val() <= int64(limit) {
		return Decision{Allowed: true}, nil
	}

	if err = l.rdb.ZRem(ctx, bucket, member).Err(); err != nil {
		return Decision{}, errors.Wrap(err, "rollback rejected hit")
	}

	retryAfter := window
	if zs := oldest.Val(); len(zs) > 0 {
		first := time.UnixMicro(int64(zs[0].Score))
		retryAfter = first.Add(window).Sub(now)
	}
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
