package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
)

var (
	client *redis.Client
	mu     sync.Mutex
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis compatible cache server
func SetupCache() {
	mu.Lock()
	defer mu.Unlock()
	setup()
}

func setup() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] could not connect to %s:%s: %v", host, port, err)
	} else {
		log.Infof("[Cache] connected: %s", pong)
	}
}

// SetClient replaces the shared client; tests point it at miniredis.
func SetClient(c *redis.Client) {
	mu.Lock()
	defer mu.Unlock()
	client = c
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		setup()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}
