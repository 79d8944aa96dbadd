package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TokenCache shares gateway bearer tokens between API replicas so each
// replica does not run its own token grant.
type TokenCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewTokenCache(rdb *redis.Client, log *zap.Logger) *TokenCache {
	return &TokenCache{rdb: rdb, log: log.With(zap.String("component", "token_cache"))}
}

func (t *TokenCache) GetToken(ctx context.Context, gateway string) (string, bool) {
	v, err := t.rdb.Get(ctx, fmt.Sprintf(KeyGatewayToken, gateway)).Result()
	if err != nil {
		if err != redis.Nil {
			t.log.Warn("token get", zap.String("gateway", gateway), zap.Error(err))
		}
		return "", false
	}
	return v, v != ""
}

func (t *TokenCache) SetToken(ctx context.Context, gateway, token string, ttl time.Duration) {
	if err := t.rdb.Set(ctx, fmt.Sprintf(KeyGatewayToken, gateway), token, ttl).Err(); err != nil {
		t.log.Warn("token set", zap.String("gateway", gateway), zap.Error(err))
	}
}
