package resume

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the feature-selection bootstrap in NewStore.
type Options struct {
	Backend   string // "auto", "redis", "memory"
	RedisURL  string
	Prefix    string
	TTL       time.Duration
	MaxItems  int
	RingItems int
}

// NewStore selects a Store implementation following STREAM_RESUME_BACKEND:
// "redis" always tries Redis, "memory" forces the ring buffer, and "auto"
// (the default) tries Redis only when a URL is configured. Whenever Redis
// is tried and the initial ping fails, the ring buffer is used instead.
func NewStore(opts Options, logger *zap.Logger) (Store, *goredis.Client) {
	wantRedis := opts.Backend == "redis" || (opts.Backend != "memory" && opts.RedisURL != "")
	if !wantRedis {
		return NewMemoryStore(opts.RingItems), nil
	}

	ropts, err := goredis.ParseURL(opts.RedisURL)
	if err != nil {
		// Bare host:port is accepted alongside redis:// URLs.
		ropts = &goredis.Options{Addr: opts.RedisURL}
	}
	client := goredis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warn("resume: redis unreachable at startup, falling back to memory store", zap.Error(err))
		}
		client.Close()
		return NewMemoryStore(opts.RingItems), nil
	}

	store := NewRedisStore(client, opts.Prefix, opts.TTL, opts.MaxItems, logger)
	return store, client
}
