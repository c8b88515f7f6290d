package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory keeps entries in process. The oldest entries are evicted once
// capacity is reached.
type Memory struct {
	cache *ttlcache.Cache[string, []byte]
}

func NewMemory(defaultTimeout time.Duration, capacity uint64) *Memory {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](defaultTimeout),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	c := ttlcache.New(opts...)
	go c.Start()
	return &Memory{cache: c}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil, nil
	}
	return item.Value(), nil
}

// Set stores value for timeout. A zero timeout uses the default of the
// cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = ttlcache.DefaultTTL
	}
	m.cache.Set(key, value, timeout)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close stops the expiry loop.
func (m *Memory) Close() {
	m.cache.Stop()
}
