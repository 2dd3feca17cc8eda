// Package cache is a read-through cache over the KV store with tag-indexed
// invalidation. Values live under cv:{key}; a secondary index ct:{tag} holds
// the set of keys written under that tag, so invalidating a tag can delete
// every entry carrying it before returning.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	valuePrefix = "cv:"
	tagPrefix   = "ct:"

	// Tag sets outlive their entries a little so a slow writer cannot leave
	// an entry reachable after its index expired.
	tagTTLSlack = 5 * time.Minute
)

// TagCache is a read-through cache with tag invalidation.
type TagCache struct {
	store  kv.Store
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a TagCache over the given KV store.
func New(store kv.Store, logger *zap.Logger) *TagCache {
	return &TagCache{store: store, logger: logger}
}

// GetOrLoad returns the cached value for key, or invokes loader, caches the
// result under the given tags, and returns it. Concurrent loads of the same
// key are collapsed into one loader call. Loader errors are returned as-is
// and never cached.
func (c *TagCache) GetOrLoad(ctx context.Context, key string, tags []string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	val, err := c.store.Get(ctx, valuePrefix+key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		// KV trouble: fall through to the loader so a cache outage does not
		// take reads down with it.
		c.logger.Warn("cache read failed, bypassing cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return loader(ctx)
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.write(ctx, key, tags, ttl, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// InvalidateTag deletes every cached entry written under tag, plus the tag
// index itself. Synchronous: when it returns, no subsequent GetOrLoad will
// serve a pre-invalidation value from the KV store.
func (c *TagCache) InvalidateTag(ctx context.Context, tag string) error {
	tagKey := tagPrefix + tag
	members, err := c.store.SMembers(ctx, tagKey)
	if err != nil {
		return fmt.Errorf("InvalidateTag: %w", err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, valuePrefix+m)
	}
	keys = append(keys, tagKey)

	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("InvalidateTag: %w", err)
	}
	return nil
}

// write stores the value and registers it under each tag. Index writes happen
// before the value write so an entry is never readable without being
// reachable from its tags.
func (c *TagCache) write(ctx context.Context, key string, tags []string, ttl time.Duration, val []byte) {
	for _, tag := range tags {
		if err := c.store.SAdd(ctx, tagPrefix+tag, ttl+tagTTLSlack, key); err != nil {
			c.logger.Warn("cache tag index write failed, skipping cache write",
				zap.String("key", key),
				zap.String("tag", tag),
				zap.Error(err),
			)
			return
		}
	}
	if err := c.store.Set(ctx, valuePrefix+key, val, ttl); err != nil {
		c.logger.Warn("cache value write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
