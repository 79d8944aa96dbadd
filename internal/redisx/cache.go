package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// setIfNewer writes the projection unless the stored copy carries a higher
// revision. KEYS[1] order key, ARGV revision, body, ttl in ms.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rev')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'body', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// OrderCache keeps order projections in Redis as a hash of rev and body.
// Cache faults are logged and treated as misses; the store stays the source
// of truth.
type OrderCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewOrderCache(rdb *redis.Client, log *zap.Logger) *OrderCache {
	return &OrderCache{rdb: rdb, log: log.With(zap.String("component", "order_cache"))}
}

func (c *OrderCache) Get(ctx context.Context, number string) (*orders.Order, bool) {
	b, err := c.rdb.HGet(ctx, fmt.Sprintf(KeyOrder, number), "body").Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get", zap.String("order_number", number), zap.Error(err))
		}
		return nil, false
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		c.log.Warn("cache decode", zap.String("order_number", number), zap.Error(err))
		return nil, false
	}
	return &o, true
}

// Set stores o unless the cache already holds a later revision of it.
func (c *OrderCache) Set(ctx context.Context, o *orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		c.log.Warn("cache encode", zap.String("order_number", o.OrderNumber), zap.Error(err))
		return
	}
	key := fmt.Sprintf(KeyOrder, o.OrderNumber)
	n, err := setIfNewer.Run(ctx, c.rdb, []string{key},
		strconv.FormatInt(o.Revision, 10), b, TTLOrderCache.Milliseconds()).Int()
	if err != nil {
		c.log.Warn("cache set", zap.String("order_number", o.OrderNumber), zap.Error(err))
		return
	}
	if n == 0 {
		c.log.Debug("cache holds newer revision",
			zap.String("order_number", o.OrderNumber), zap.Int64("revision", o.Revision))
	}
}
