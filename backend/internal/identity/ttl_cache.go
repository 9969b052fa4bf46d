package identity

import (
	"sync"
	"time"
)

type ttlItem[V any] struct {
	value    V
	expireAt time.Time // 零值表示永不过期
}

// TTLCache 是一个带过期时间的小型查找缓存，由使用方持有，不做全局共享。
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[K]ttlItem[V]
}

// NewTTLCache 创建缓存；ttl <= 0 表示条目在缓存生命周期内一直有效。
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{ttl: ttl, now: time.Now, items: make(map[K]ttlItem[V])}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !it.expireAt.IsZero() && !c.now().Before(it.expireAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := ttlItem[V]{value: value}
	if c.ttl > 0 {
		it.expireAt = c.now().Add(c.ttl)
	}
	c.items[key] = it
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Purge 清理已过期条目，返回清理数量。
func (c *TTLCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, it := range c.items {
		if !it.expireAt.IsZero() && !now.Before(it.expireAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
