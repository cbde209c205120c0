package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis hash holding billing counters.
const DefaultKey = "billing:counters"

// Counter keeps named event counters in a single Redis hash. Increments
// are best effort: a Redis outage never fails the operation being counted.
type Counter struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client, key string) *Counter {
	if key == "" {
		key = DefaultKey
	}
	return &Counter{client: client, key: key}
}

// Incr adds one to the named counter.
func (c *Counter) Incr(ctx context.Context, name string) {
	if c == nil || c.client == nil || name == "" {
		return
	}
	if err := c.client.HIncrBy(ctx, c.key, name, 1).Err(); err != nil {
		log.Warnf("[Metrics] could not increment %s: %v", name, err)
	}
}

// Snapshot returns every counter. Values that are not integers are skipped.
func (c *Counter) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

// Drain returns every counter and resets them. The hash is renamed to a
// temporary key first, so increments racing with the drain land in a fresh
// hash instead of being lost.
func (c *Counter) Drain(ctx context.Context) (map[string]int64, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", c.key, time.Now().UnixNano())
	if err := c.client.Rename(ctx, c.key, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	defer c.client.Del(ctx, tmpKey)

	data, err := c.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

func parse(data map[string]string) map[string]int64 {
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
