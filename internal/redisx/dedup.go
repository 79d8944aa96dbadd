package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which events a service has already handled.
type Deduper struct {
	rdb     *redis.Client
	service string
}

func NewDeduper(rdb *redis.Client, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service}
}

// First claims id and reports whether this caller is the first to see it.
func (d *Deduper) First(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, id), "1", TTLDedup).Result()
}

// Forget releases a claim so a redelivered event is processed again.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, id)).Err()
}
