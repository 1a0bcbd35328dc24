// Package cache keeps a denormalized copy of connection metadata in Redis so
// a dispatch worker in another process can resolve a connection without the
// registry.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"blast/internal/model"
)

const defaultTTL = time.Hour

type ConnCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *ConnCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ConnCache{rdb: rdb, ttl: ttl}
}

func key(id string) string { return "connection:" + id }

// Get returns the cached connection, or (nil, false) on a miss. Errors other
// than a miss are returned so callers can decide to fall through to the
// primary store.
func (c *ConnCache) Get(ctx context.Context, id string) (*model.Connection, bool, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var conn model.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		// A corrupt entry behaves like a miss; it will be repopulated.
		return nil, false, nil
	}
	return &conn, true, nil
}

// Set writes the connection with the configured TTL. The entry is a
// restatement of current status, so last-writer-wins is acceptable.
func (c *ConnCache) Set(ctx context.Context, conn *model.Connection) error {
	raw, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key(conn.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops the entry; called on every state change.
func (c *ConnCache) Invalidate(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
