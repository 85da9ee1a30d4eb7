// Package kv provides the key-value dictionaries used by KV_SET modifications.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// Dictionary is the read/write contract of dictionary backends.
type Dictionary interface {
	Get(ctx context.Context, dictionary, key string) (any, bool, error)
	Put(ctx context.Context, dictionary string, entries map[string]any) error
	Close() error
}

// MemoryDictionary keeps dictionaries in process memory (single mode and tests).
type MemoryDictionary struct {
	mu    sync.RWMutex
	dicts map[string]map[string]any
}

// NewMemoryDictionary creates empty in-memory dictionaries.
func NewMemoryDictionary() *MemoryDictionary {
	return &MemoryDictionary{dicts: map[string]map[string]any{}}
}

// Get returns dictionary value by key.
func (d *MemoryDictionary) Get(_ context.Context, dictionary, key string) (any, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.dicts[dictionary][key]
	return value, ok, nil
}

// Put merges entries into dictionary.
func (d *MemoryDictionary) Put(_ context.Context, dictionary string, entries map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dict := d.dicts[dictionary]
	if dict == nil {
		dict = make(map[string]any, len(entries))
		d.dicts[dictionary] = dict
	}
	for key, value := range entries {
		dict[key] = value
	}
	return nil
}

// Close is a no-op.
func (d *MemoryDictionary) Close() error { return nil }

// RedisDictionary stores each dictionary as one Redis hash `<prefix><dictionary>`.
type RedisDictionary struct {
	client *redis.Client
	prefix string
}

// NewRedisDictionary wraps go-redis client.
// Params: connected client and hash key prefix (default "kv:").
// Returns: dictionary backend.
func NewRedisDictionary(client *redis.Client, prefix string) *RedisDictionary {
	if prefix == "" {
		prefix = "kv:"
	}
	return &RedisDictionary{client: client, prefix: prefix}
}

// Get reads one hash field; JSON values are decoded, other values returned as strings.
func (d *RedisDictionary) Get(ctx context.Context, dictionary, key string) (any, bool, error) {
	raw, err := d.client.HGet(ctx, d.prefix+dictionary, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis hget %s%s: %w", d.prefix, dictionary, err)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded, true, nil
	}
	return raw, true, nil
}

// Put writes entries as JSON-encoded hash fields.
func (d *RedisDictionary) Put(ctx context.Context, dictionary string, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries)*2)
	for key, value := range entries {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s[%s]: %w", dictionary, key, err)
		}
		values = append(values, key, string(encoded))
	}
	if err := d.client.HSet(ctx, d.prefix+dictionary, values...).Err(); err != nil {
		return fmt.Errorf("redis hset %s%s: %w", d.prefix, dictionary, err)
	}
	return nil
}

// Close closes Redis client.
func (d *RedisDictionary) Close() error {
	return d.client.Close()
}

type cachedEntry struct {
	value any
	found bool
}

// Cached is a read-through TTL cache in front of another dictionary.
type Cached struct {
	next  Dictionary
	cache *gocache.Cache
}

// NewCached wraps dictionary with go-cache.
// Params: backend and entry TTL; misses are cached too.
// Returns: cached dictionary.
func NewCached(next Dictionary, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: gocache.New(ttl, 2*ttl)}
}

// Get serves cached entries and loads missing ones from the backend.
func (c *Cached) Get(ctx context.Context, dictionary, key string) (any, bool, error) {
	cacheKey := dictionary + "\x00" + key
	if hit, ok := c.cache.Get(cacheKey); ok {
		entry := hit.(cachedEntry)
		return entry.value, entry.found, nil
	}
	value, found, err := c.next.Get(ctx, dictionary, key)
	if err != nil {
		return nil, false, err
	}
	c.cache.SetDefault(cacheKey, cachedEntry{value: value, found: found})
	return value, found, nil
}

// Put writes through and invalidates cached keys of the dictionary entries.
func (c *Cached) Put(ctx context.Context, dictionary string, entries map[string]any) error {
	if err := c.next.Put(ctx, dictionary, entries); err != nil {
		return err
	}
	for key := range entries {
		c.cache.Delete(dictionary + "\x00" + key)
	}
	return nil
}

// Close flushes cache and closes backend.
func (c *Cached) Close() error {
	c.cache.Flush()
	return c.next.Close()
}
