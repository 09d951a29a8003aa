package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func bookingKey(id uuid.UUID) string {
	return "booking:snap:" + id.String()
}

func (c *Cache) GetBookingSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	val, err := c.Client.Get(ctx, bookingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}
	return val, nil
}

func (c *Cache) SetBookingSnapshot(ctx context.Context, id uuid.UUID, raw []byte, ttl time.Duration) error {
	return c.Client.Set(ctx, bookingKey(id), raw, ttl).Err()
}

func (c *Cache) InvalidateBookingSnapshot(ctx context.Context, id uuid.UUID) error {
	return c.Client.Del(ctx, bookingKey(id)).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
