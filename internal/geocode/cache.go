package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// KV is the slice of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache answers repeated lookups for nearby positions from Redis and
// falls through to next on a miss. Positions are rounded to Precision
// decimal places before keying; 4 places is roughly 11m.
type RedisCache struct {
	kv        KV
	next      Reverser
	ttl       time.Duration
	precision int
	prefix    string
}

func NewRedisCache(kv KV, next Reverser, ttl time.Duration, precision int) *RedisCache {
	if precision <= 0 {
		precision = 4
	}
	return &RedisCache{kv: kv, next: next, ttl: ttl, precision: precision, prefix: "fleetdash:geocode:"}
}

func (c *RedisCache) key(p fleet.LatLng) string {
	return fmt.Sprintf("%s%.*f,%.*f", c.prefix, c.precision, p.Lat, c.precision, p.Lng)
}

func (c *RedisCache) Reverse(ctx context.Context, p fleet.LatLng) (string, error) {
	key := c.key(p)
	addr, err := c.kv.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.GeocodeRequests.WithLabelValues("cache_hit").Inc()
		return addr, nil
	case !errors.Is(err, redis.Nil):
		log.WithFields(log.Fields{"component": "geocode", "err": err}).Debug("cache read failed")
	}

	addr, err = c.next.Reverse(ctx, p)
	if err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, key, addr, c.ttl).Err(); err != nil {
		log.WithFields(log.Fields{"component": "geocode", "err": err}).Debug("cache write failed")
	}
	return addr, nil
}
