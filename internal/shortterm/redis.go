package shortterm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps facts in redis so every replica sees the same thread state.
// Each thread uses a hash plus two sets, all sharing one sliding TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisCache(client, cfg), nil
}

func newRedisCache(client *redis.Client, cfg RedisConfig) *RedisCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shrink:facts:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) keys(threadID string) (hash, topics, emotions string) {
	base := c.prefix + threadID
	return base, base + ":topics", base + ":emotions"
}

func (c *RedisCache) Observe(ctx context.Context, threadID, role, content string) (Facts, error) {
	if threadID == "" {
		return Facts{}, nil
	}
	o := observe(role, content)
	hash, topics, emotions := c.keys(threadID)
	now := time.Now().UTC()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, hash, "messages", 1)
		pipe.HSet(ctx, hash, "updated_at", now.Format(time.RFC3339Nano))
		if o.name != "" {
			pipe.HSet(ctx, hash, "name", o.name)
		}
		if len(o.topics) > 0 {
			pipe.SAdd(ctx, topics, toAny(o.topics)...)
		}
		if len(o.emotions) > 0 {
			pipe.SAdd(ctx, emotions, toAny(o.emotions)...)
		}
		for _, k := range []string{hash, topics, emotions} {
			pipe.Expire(ctx, k, c.ttl)
		}
		return nil
	})
	if err != nil {
		return Facts{}, fmt.Errorf("observe facts: %w", err)
	}
	return c.Get(ctx, threadID)
}

func (c *RedisCache) Get(ctx context.Context, threadID string) (Facts, error) {
	hash, topics, emotions := c.keys(threadID)
	var (
		fields  *redis.MapStringStringCmd
		topicsC *redis.StringSliceCmd
		emotesC *redis.StringSliceCmd
	)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, hash)
		topicsC = pipe.SMembers(ctx, topics)
		emotesC = pipe.SMembers(ctx, emotions)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Facts{}, fmt.Errorf("get facts: %w", err)
	}

	m := fields.Val()
	if len(m) == 0 {
		return Facts{}, nil
	}
	f := Facts{ThreadID: threadID, UserName: m["name"]}
	f.Messages, _ = strconv.Atoi(m["messages"])
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])
	f.Topics = sorted(topicsC.Val())
	f.Emotions = sorted(emotesC.Val())
	return f, nil
}

func (c *RedisCache) Forget(ctx context.Context, threadID string) error {
	hash, topics, emotions := c.keys(threadID)
	if err := c.client.Del(ctx, hash, topics, emotions).Err(); err != nil {
		return fmt.Errorf("forget facts: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func sorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	return in
}
