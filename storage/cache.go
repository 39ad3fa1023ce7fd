package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
)

const (
	tasksCacheKey  = "board:tasks"
	logsCacheKey   = "board:logs"
	generationKey  = "board:generation"
	generationNone = int64(-1)
)

// Cache wraps a storage backend with Redis-backed caching for board reads.
// Writes pass through and invalidate the cached reads.
type Cache struct {
	domain.Storage
	redis *redis.Client
	ttl   time.Duration
}

type cachedTasks struct {
	Generation int64         `json:"generation"`
	Tasks      []domain.Task `json:"tasks"`
}

type cachedLogs struct {
	Generation int64             `json:"generation"`
	Entries    []domain.LogEntry `json:"entries"`
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.Storage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Storage: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	gen := c.generation(ctx)
	if tasks, ok := c.loadTasks(ctx, gen); ok {
		return tasks, nil
	}

	tasks, err := c.Storage.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	c.store(gen, func(data []byte) error {
		return c.redis.Set(ctx, tasksCacheKey, data, c.ttl).Err()
	}, cachedTasks{Generation: gen, Tasks: tasks})
	return tasks, nil
}

func (c *Cache) ListLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	gen := c.generation(ctx)
	field := strconv.Itoa(limit)
	if entries, ok := c.loadLogs(ctx, gen, field); ok {
		return entries, nil
	}

	entries, err := c.Storage.ListLogs(ctx, limit)
	if err != nil {
		return nil, err
	}

	c.store(gen, func(data []byte) error {
		pipe := c.redis.TxPipeline()
		pipe.HSet(ctx, logsCacheKey, field, data)
		pipe.Expire(ctx, logsCacheKey, c.ttl)
		_, err := pipe.Exec(ctx)
		return err
	}, cachedLogs{Generation: gen, Entries: entries})
	return entries, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.Storage.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) SaveMove(ctx context.Context, moved domain.Task, shifted []domain.Task) error {
	if err := c.Storage.SaveMove(ctx, moved, shifted); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := c.Storage.DeleteTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t != nil {
		c.evict(ctx)
	}
	return t, nil
}

func (c *Cache) AppendLog(ctx context.Context, e domain.LogEntry) error {
	if err := c.Storage.AppendLog(ctx, e); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

// generation returns the current write counter or generationNone when Redis
// is unavailable.
func (c *Cache) generation(ctx context.Context) int64 {
	if c.redis == nil {
		return generationNone
	}
	gen, err := c.redis.Get(ctx, generationKey).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		return generationNone
	}
	return gen
}

func (c *Cache) loadTasks(ctx context.Context, gen int64) ([]domain.Task, bool) {
	if gen == generationNone {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey).Err()
		}
		return nil, false
	}
	var cached cachedTasks
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	if cached.Generation != gen {
		return nil, false
	}
	return cached.Tasks, true
}

func (c *Cache) loadLogs(ctx context.Context, gen int64, field string) ([]domain.LogEntry, bool) {
	if gen == generationNone {
		return nil, false
	}
	data, err := c.redis.HGet(ctx, logsCacheKey, field).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, logsCacheKey).Err()
		}
		return nil, false
	}
	var cached cachedLogs
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.HDel(ctx, logsCacheKey, field).Err()
		return nil, false
	}
	if cached.Generation != gen {
		return nil, false
	}
	return cached.Entries, true
}

func (c *Cache) store(gen int64, write func([]byte) error, v any) {
	if c.redis == nil || c.ttl == 0 || gen == generationNone {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = write(data)
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, generationKey)
	pipe.Del(ctx, tasksCacheKey, logsCacheKey)
	_, _ = pipe.Exec(ctx)
}
