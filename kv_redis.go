package vqs

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV 适配 github.com/redis/go-redis 以满足 KV 接口。
type RedisKV struct{ R *redis.Client }

func (r RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.R.SetNX(ctx, key, value, ttl).Result()
}

func (r RedisKV) Delete(ctx context.Context, key string) error {
	return r.R.Del(ctx, key).Err()
}

// MemoryKV 为进程内 KV，适用于单实例与测试。
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.items[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.items[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}
