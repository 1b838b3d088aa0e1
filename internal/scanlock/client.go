package scanlock

import (
	"github.com/redis/go-redis/v9"

	"pricewatch/internal/config"
)

// NewRedisClient builds the coordination store client from runtime settings.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}
