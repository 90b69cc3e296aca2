package shortterm

import (
	"context"
	"strings"
	"time"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	MaxThreads    int
}

// NewCache uses redis when an address is configured, otherwise an in-process cache.
func NewCache(ctx context.Context, cfg Config) (Cache, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return NewInMemoryCache(cfg.TTL, cfg.MaxThreads), nil
	}
	return NewRedisCache(ctx, RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.TTL,
	})
}
