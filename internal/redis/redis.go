package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Connect establishes a connection to Redis
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logrus.Infof("[REDIS] Connected to %s", opt.Addr)
	return client, nil
}

// Limiter allows one call per key per window, shared by every instance using the same Redis.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
}

func NewLimiter(rdb *redis.Client, prefix string, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, window: window}
}

// Window is how long a key stays blocked after an allowed call.
func (l *Limiter) Window() time.Duration {
	if l == nil {
		return 0
	}
	return l.window
}

// Allow reports whether key may proceed. A nil limiter, a zero window or a Redis error all allow
// the call; rate limiting never blocks matchmaking.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.rdb == nil || l.window <= 0 {
		return true
	}
	ok, err := l.rdb.SetNX(ctx, fmt.Sprintf("%s:%s", l.prefix, key), "1", l.window).Result()
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("[REDIS] Rate limit check failed")
		return true
	}
	return ok
}
