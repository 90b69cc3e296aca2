package shortterm

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	facts   Facts
	touched time.Time
}

// InMemoryCache is a bounded in-process cache. Idle threads expire after the
// TTL; when full, the least recently touched thread is evicted.
type InMemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxThreads int
	now        func() time.Time
}

func NewInMemoryCache(ttl time.Duration, maxThreads int) *InMemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	return &InMemoryCache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxThreads: maxThreads,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *InMemoryCache) Observe(_ context.Context, threadID, role, content string) (Facts, error) {
	if threadID == "" {
		return Facts{}, nil
	}
	o := observe(role, content)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[threadID]
	if !ok || c.expiredLocked(e, now) {
		e = &entry{facts: Facts{ThreadID: threadID}}
		c.entries[threadID] = e
		c.evictLocked(threadID)
	}
	e.facts.apply(o, now)
	e.touched = now
	return cloneFacts(e.facts), nil
}

func (c *InMemoryCache) Get(_ context.Context, threadID string) (Facts, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[threadID]
	if !ok {
		return Facts{}, nil
	}
	if c.expiredLocked(e, now) {
		delete(c.entries, threadID)
		return Facts{}, nil
	}
	e.touched = now
	return cloneFacts(e.facts), nil
}

func (c *InMemoryCache) Forget(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, threadID)
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *InMemoryCache) Close() error { return nil }

// StartJanitor drops expired threads every interval until ctx is done.
func (c *InMemoryCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.expire()
			}
		}
	}()
}

func (c *InMemoryCache) expire() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if c.expiredLocked(e, now) {
			delete(c.entries, id)
		}
	}
}

func (c *InMemoryCache) expiredLocked(e *entry, now time.Time) bool {
	return now.Sub(e.touched) >= c.ttl
}

func (c *InMemoryCache) evictLocked(keep string) {
	for len(c.entries) > c.maxThreads {
		oldestID := ""
		var oldest time.Time
		for id, e := range c.entries {
			if id == keep {
				continue
			}
			if oldestID == "" || e.touched.Before(oldest) {
				oldestID, oldest = id, e.touched
			}
		}
		if oldestID == "" {
			return
		}
		delete(c.entries, oldestID)
	}
}

func cloneFacts(f Facts) Facts {
	f.Topics = append([]string(nil), f.Topics...)
	f.Emotions = append([]string(nil), f.Emotions...)
	return f
}
