package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/examgrader/internal/model"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 10 * time.Minute

// kv is the part of the Redis client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// ResultCache stores graded results in Redis. Graded results never change,
// so entries only expire.
type ResultCache struct {
	client kv
	ttl    time.Duration
}

// New wraps an existing Redis client.
func New(client kv, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{client: client, ttl: ttl}
}

// Dial connects to Redis at addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*ResultCache, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, ttl), client, nil
}

// Key returns the cache key of a student's result for an exam.
func Key(studentID, examID int64) string {
	return fmt.Sprintf("examgrader:result:%d:%d", studentID, examID)
}

// Get returns the cached result, or nil on a miss.
func (c *ResultCache) Get(ctx context.Context, studentID, examID int64) (*model.ResultView, error) {
	data, err := c.client.Get(ctx, Key(studentID, examID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var view model.ResultView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &view, nil
}

// Set caches a graded result. Results that are not graded yet are ignored.
func (c *ResultCache) Set(ctx context.Context, view *model.ResultView) error {
	if view == nil || !view.Graded() {
		return nil
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return c.client.Set(ctx, Key(view.StudentID, view.ExamID), data, c.ttl).Err()
}
