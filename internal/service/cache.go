package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
	"notifydispatch/pkg/cache"
)

const (
	_cacheKeyPrefix = "notify"
	_cacheTTL       = 5 * time.Minute
)

// notificationCache is a cache-aside helper. A nil backend turns every call
// into a no-op, and backend failures only ever cost a cache miss.
type notificationCache struct {
	backend Cache
	ttl     time.Duration
}

func newNotificationCache(c Cache, ttl time.Duration) notificationCache {
	if ttl <= 0 {
		ttl = _cacheTTL
	}
	return notificationCache{backend: c, ttl: ttl}
}

func (c notificationCache) key(id uuid.UUID) string {
	return cache.Key(_cacheKeyPrefix, id)
}

func (c notificationCache) get(ctx context.Context, id uuid.UUID) (*entity.Notification, bool) {
	if c.backend == nil {
		return nil, false
	}
	raw, err := c.backend.Get(ctx, c.key(id))
	if err != nil || raw == "" {
		return nil, false
	}
	n, err := cache.Deserialize[entity.Notification](raw)
	if err != nil {
		return nil, false
	}
	return n, true
}

func (c notificationCache) put(ctx context.Context, n *entity.Notification) {
	if c.backend == nil || n == nil {
		return
	}
	data, err := cache.Serialize(n)
	if err != nil {
		return
	}
	_ = c.backend.Set(ctx, c.key(n.ID), data, c.ttl)
}

func (c notificationCache) drop(ctx context.Context, ids ...uuid.UUID) {
	if c.backend == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.key(id))
	}
	_ = c.backend.Del(ctx, keys...)
}
