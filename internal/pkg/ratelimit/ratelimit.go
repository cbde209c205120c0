package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PlanFox/internal/pkg/cache"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

// NewStorage returns limiter storage on the cache server, database 1
// (the cache itself uses database 0).
func NewStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

// Config controls New.
type Config struct {
	Max        int
	Expiration time.Duration
	// Storage defaults to in-memory when nil.
	Storage fiber.Storage
}

// ConfigFromEnv reads RATE_LIMIT_MAX and RATE_LIMIT_WINDOW.
func ConfigFromEnv(storage fiber.Storage) Config {
	return Config{
		Max:        env.GetEnvInt("RATE_LIMIT_MAX", 60),
		Expiration: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		Storage:    storage,
	}
}

// New limits requests per authenticated user, falling back to the client IP.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetUserID(c); id != 0 {
				return "user:" + strconv.FormatUint(uint64(id), 10)
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests."})
		},
	})
}
