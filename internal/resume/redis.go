package resume

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists envelopes in a per-topic sorted set: key
// `<prefix><topic>`, members are envelope JSON strings, scores are seq.
type RedisStore struct {
	client   *goredis.Client
	prefix   string
	ttl      time.Duration
	maxItems int64
	logger   *zap.Logger
}

// NewRedisStore wraps a go-redis client as a Store. prefix should already
// include the environment segment, e.g. "sse:resume:prod:".
func NewRedisStore(client *goredis.Client, prefix string, ttl time.Duration, maxItems int, logger *zap.Logger) *RedisStore {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if ttl <= 0 {
		ttl = DefaultTTLSeconds * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxItems: int64(maxItems), logger: logger}
}

func (r *RedisStore) key(topic string) string {
	return r.prefix + topic
}

func (r *RedisStore) Store(ctx context.Context, topic string, seq uint64, data []byte) error {
	key := r.key(topic)
	if err := r.client.ZAdd(ctx, key, goredis.Z{Score: float64(seq), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("resume: zadd %s: %w", key, err)
	}
	if size, err := r.client.ZCard(ctx, key).Result(); err == nil && size > r.maxItems {
		if remove := size - r.maxItems; remove > 0 {
			r.client.ZRemRangeByRank(ctx, key, 0, remove-1)
		}
	}
	r.client.Expire(ctx, key, r.ttl)
	return nil
}

func (r *RedisStore) ReplaySince(ctx context.Context, topic string, lastSeq uint64, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	key := r.key(topic)
	members, err := r.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:    "(" + strconv.FormatUint(lastSeq, 10),
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("resume: replay_since failed, returning empty", zap.String("topic", topic), zap.Error(err))
		}
		return nil, nil
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

func (r *RedisStore) Stats(ctx context.Context, topic string) (Stats, error) {
	key := r.key(topic)
	size, err := r.client.ZCard(ctx, key).Result()
	if err != nil || size == 0 {
		return Stats{}, nil
	}
	var minSeq, maxSeq uint64
	if first, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(first) > 0 {
		minSeq = uint64(first[0].Score)
	}
	if last, err := r.client.ZRangeWithScores(ctx, key, -1, -1).Result(); err == nil && len(last) > 0 {
		maxSeq = uint64(last[0].Score)
	}
	return Stats{Size: int(size), MinSeq: minSeq, MaxSeq: maxSeq, HasData: true}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client exposes the underlying client so the Sequencer can share the same
// connection for INCR calls without opening a second pool.
func (r *RedisStore) Client() *goredis.Client {
	return r.client
}
