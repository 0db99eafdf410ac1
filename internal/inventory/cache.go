package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ItemCache is a cache-aside layer in front of Store's read-mostly item
// lookups, grounded on stock/cache.go. Writes go straight to Store and never
// write through the cache. Reserve paths invalidate the cached item
// afterward; Release and ExpireOverdue do not, so stock they return to an
// item shows in a cached GetItem only once the entry's TTL has run out.
type ItemCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewItemCache(addr string, ttl time.Duration) (*ItemCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("inventory cache: connect to redis: %w", err)
	}

	return &ItemCache{client: client, ttl: ttl}, nil
}

func (c *ItemCache) Close() error { return c.client.Close() }

func itemKey(itemID string) string { return "inventory:item:" + itemID }

// Get returns the cached item, or (Item{}, false, nil) on a cache miss.
func (c *ItemCache) Get(ctx context.Context, itemID string) (Item, bool, error) {
	data, err := c.client.Get(ctx, itemKey(itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("inventory cache: get: %w", err)
	}

	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, false, fmt.Errorf("inventory cache: unmarshal: %w", err)
	}
	return it, true, nil
}

func (c *ItemCache) Set(ctx context.Context, it Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("inventory cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, itemKey(it.ItemID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("inventory cache: set: %w", err)
	}
	return nil
}

func (c *ItemCache) Invalidate(ctx context.Context, itemID string) error {
	return c.client.Del(ctx, itemKey(itemID)).Err()
}

// CachedStore wraps Store with the cache-aside GetItem read path while
// delegating every write and every other method straight through.
type CachedStore struct {
	*Store
	cache *ItemCache
}

func NewCachedStore(store *Store, cache *ItemCache) *CachedStore {
	return &CachedStore{Store: store, cache: cache}
}

// Close closes the cache client and the underlying store, shadowing
// Store.Close so callers don't leak the Redis connection.
func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	storeErr := s.Store.Close()
	if storeErr != nil {
		return storeErr
	}
	return cacheErr
}

func (s *CachedStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	if it, ok, err := s.cache.Get(ctx, itemID); err == nil && ok {
		return it, nil
	}

	it, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, err
	}

	_ = s.cache.Set(ctx, it)
	return it, nil
}

// InvalidateAfterMutation drops the cached copy of itemID; call after any
// Reserve/Release/ExpireOverdue affecting it so stale availability doesn't
// linger for the cache TTL.
func (s *CachedStore) InvalidateAfterMutation(ctx context.Context, itemID string) {
	_ = s.cache.Invalidate(ctx, itemID)
}
