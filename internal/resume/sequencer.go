package resume

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sequencer issues a strictly monotonic seq per topic. When a Redis client
// is available it uses INCR; any Redis error for that call falls back to
// the process-local counter for that one call only, with no retry and no
// reconciliation between the two counters. After a failover, clients treat
// reset events as authoritative.
type Sequencer struct {
	redis  *goredis.Client
	prefix string
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]uint64
}

// NewSequencer builds a Sequencer. redisClient may be nil, in which case
// every call uses the local counter.
func NewSequencer(redisClient *goredis.Client, prefix string, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		redis:  redisClient,
		prefix: prefix,
		logger: logger,
		local:  make(map[string]uint64),
	}
}

// NextSeq returns the next sequence number for topic.
func (s *Sequencer) NextSeq(topic string) uint64 {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		val, err := s.redis.Incr(ctx, s.prefix+topic).Result()
		if err == nil {
			return uint64(val)
		}
		if s.logger != nil {
			s.logger.Warn("sequencer: redis INCR failed, falling back to local counter",
				zap.String("topic", topic), zap.Error(err))
		}
	}
	return s.nextLocal(topic)
}

func (s *Sequencer) nextLocal(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[topic]++
	return s.local[topic]
}
