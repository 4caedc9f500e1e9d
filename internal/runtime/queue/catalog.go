package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/courier/internal/runtime/codec"
)

// CatalogEntry is the persisted state of one pipeline.
type CatalogEntry struct {
	Descriptor Descriptor `json:"descriptor"`
	Paused     bool       `json:"paused"`
}

// Catalog records which pipelines exist on a broker that has no notion of
// pipelines itself.
type Catalog interface {
	// Put stores entry unless the pipeline is already known and reports
	// whether it was stored.
	Put(ctx context.Context, entry CatalogEntry) (bool, error)
	Get(ctx context.Context, name string) (CatalogEntry, bool, error)
	SetPaused(ctx context.Context, name string, paused bool) error
	Names(ctx context.Context) ([]string, error)
}

// MemoryCatalog keeps the catalog in process memory.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]CatalogEntry)}
}

func (c *MemoryCatalog) Put(_ context.Context, entry CatalogEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.Descriptor.Name]; exists {
		return false, nil
	}
	c.entries[entry.Descriptor.Name] = entry
	return true, nil
}

func (c *MemoryCatalog) Get(_ context.Context, name string) (CatalogEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	return entry, ok, nil
}

func (c *MemoryCatalog) SetPaused(_ context.Context, name string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("queue: pipeline %q does not exist", name)
	}
	entry.Paused = paused
	c.entries[name] = entry
	return nil
}

func (c *MemoryCatalog) Names(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// RedisHashClient is the subset of go-redis used by RedisCatalog.
type RedisHashClient interface {
	HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
}

// DefaultCatalogKey is the Redis hash holding the pipeline catalog.
const DefaultCatalogKey = "courier:pipelines"

// RedisCatalog shares the catalog between processes through a Redis hash
// keyed by pipeline name.
type RedisCatalog struct {
	client RedisHashClient
	key    string
}

// NewRedisCatalog returns a catalog stored under key, or DefaultCatalogKey.
func NewRedisCatalog(client RedisHashClient, key string) *RedisCatalog {
	if key == "" {
		key = DefaultCatalogKey
	}
	return &RedisCatalog{client: client, key: key}
}

func (c *RedisCatalog) Put(ctx context.Context, entry CatalogEntry) (bool, error) {
	raw, err := codec.MarshalJSON(entry)
	if err != nil {
		return false, fmt.Errorf("encode catalog entry: %w", err)
	}
	stored, err := c.client.HSetNX(ctx, c.key, entry.Descriptor.Name, string(raw)).Result()
	if err != nil {
		return false, fmt.Errorf("redis catalog put %s: %w", entry.Descriptor.Name, err)
	}
	return stored, nil
}

func (c *RedisCatalog) Get(ctx context.Context, name string) (CatalogEntry, bool, error) {
	raw, err := c.client.HGet(ctx, c.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return CatalogEntry{}, false, nil
	}
	if err != nil {
		return CatalogEntry{}, false, fmt.Errorf("redis catalog get %s: %w", name, err)
	}
	var entry CatalogEntry
	if err := codec.UnmarshalJSON([]byte(raw), &entry); err != nil {
		return CatalogEntry{}, false, fmt.Errorf("decode catalog entry %s: %w", name, err)
	}
	return entry, true, nil
}

func (c *RedisCatalog) SetPaused(ctx context.Context, name string, paused bool) error {
	entry, ok, err := c.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue: pipeline %q does not exist", name)
	}
	entry.Paused = paused
	raw, err := codec.MarshalJSON(entry)
	if err != nil {
		return fmt.Errorf("encode catalog entry: %w", err)
	}
	if err := c.client.HSet(ctx, c.key, name, string(raw)).Err(); err != nil {
		return fmt.Errorf("redis catalog update %s: %w", name, err)
	}
	return nil
}

func (c *RedisCatalog) Names(ctx context.Context) ([]string, error) {
	names, err := c.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis catalog names: %w", err)
	}
	slices.Sort(names)
	return names, nil
}
