package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Backend on go-cache
type Memory struct {
	c *gocache.Cache
}

// NewMemory creates a backend whose entries expire after ttl; expired items
// are purged every cleanup interval.
func NewMemory(ttl, cleanup time.Duration) *Memory {
	return &Memory{c: gocache.New(ttl, cleanup)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	e, ok := v.(Entry)
	return e, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, e Entry) error {
	m.c.Set(key, e, gocache.DefaultExpiration)
	return nil
}

func (m *Memory) Len(context.Context) (int, error) {
	return m.c.ItemCount(), nil
}

func (m *Memory) EvictOldest(context.Context) (bool, error) {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, item := range m.c.Items() {
		e, ok := item.Object.(Entry)
		if !ok {
			continue
		}
		if !found || e.FetchedAt.Before(oldest) {
			oldestKey, oldest, found = k, e.FetchedAt, true
		}
	}
	if !found {
		return false, nil
	}
	m.c.Delete(oldestKey)
	return true, nil
}
