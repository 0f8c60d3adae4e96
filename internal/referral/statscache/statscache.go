// Package statscache fronts the read-only stats view with Redis. It is an
// optimization only: every value is reconstructible from the stores, and a
// miss or Redis outage degrades to a direct read, never to an error.
package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
)

// DefaultTTL keeps stale indirect counts short-lived; direct counts are also
// invalidated eagerly on apply.
const DefaultTTL = 30 * time.Second

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func key(userID id.UserID) string {
	return "tally:stats:" + userID.String()
}

func (c *Cache) Get(ctx context.Context, userID id.UserID) (*models.Stats, bool, error) {
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stats cache get: %w", err)
	}
	var stats models.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// Corrupt entry: treat as a miss, the next Set overwrites it.
		return nil, false, nil
	}
	return &stats, true, nil
}

func (c *Cache) Set(ctx context.Context, userID id.UserID, stats *models.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("stats cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("stats cache set: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, userID id.UserID) error {
	if err := c.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("stats cache invalidate: %w", err)
	}
	return nil
}
