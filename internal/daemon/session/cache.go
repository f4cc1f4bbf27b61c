package session

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/metrics"
)

// ErrCacheClosed is returned by Set once cleanup has started.
var ErrCacheClosed = errors.New("session cache is shutting down")

// DefaultCacheSize bounds live agent sessions when no cap is
// configured.
const DefaultCacheSize = 64

// Cache is a bounded LRU of live agent sessions. Eviction and removal
// always invoke the session's cleanup hook; once cleanup of the cache
// itself begins, insertions are refused.
type Cache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List

	cleaning bool
	cleaned  chan struct{}
}

type cacheEntry struct {
	id       string
	sess     *AgentSession
	lastUsed time.Time
}

// NewCache creates a cache holding at most cap sessions.
func NewCache(cap int) *Cache {
	if cap <= 0 {
		cap = DefaultCacheSize
	}
	return &Cache{
		cap:     cap,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached session and marks it recently used.
func (c *Cache) Get(id string) (*AgentSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	entry.lastUsed = time.Now()
	return entry.sess, true
}

// Has reports presence without touching recency.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Set inserts or replaces a session, evicting the least recently used
// entry beyond capacity. Fails once cleanup has started.
func (c *Cache) Set(id string, sess *AgentSession) error {
	var evicted []*AgentSession

	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	if el, ok := c.entries[id]; ok {
		entry := el.Value.(*cacheEntry)
		if entry.sess != sess {
			evicted = append(evicted, entry.sess)
		}
		entry.sess = sess
		entry.lastUsed = time.Now()
		c.order.MoveToFront(el)
	} else {
		c.entries[id] = c.order.PushFront(&cacheEntry{id: id, sess: sess, lastUsed: time.Now()})
		metrics.ActiveSessions.Inc()
	}
	for len(c.entries) > c.cap {
		back := c.order.Back()
		entry := back.Value.(*cacheEntry)
		c.order.Remove(back)
		delete(c.entries, entry.id)
		metrics.ActiveSessions.Dec()
		evicted = append(evicted, entry.sess)
	}
	c.mu.Unlock()

	// Cleanup hooks run outside the lock.
	for _, s := range evicted {
		s.Cleanup()
	}
	return nil
}

// SetIdleTTL configures idle-based eviction. Zero or negative disables
// it.
func (c *Cache) SetIdleTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// EvictIdle removes every session untouched for longer than the idle
// TTL, invoking its cleanup hook. Returns the number evicted.
func (c *Cache) EvictIdle() int {
	c.mu.Lock()
	if c.ttl <= 0 || c.cleaning {
		c.mu.Unlock()
		return 0
	}
	cutoff := time.Now().Add(-c.ttl)
	var evicted []*AgentSession
	for id, el := range c.entries {
		entry := el.Value.(*cacheEntry)
		if entry.lastUsed.Before(cutoff) {
			c.order.Remove(el)
			delete(c.entries, id)
			metrics.ActiveSessions.Dec()
			evicted = append(evicted, entry.sess)
		}
	}
	c.mu.Unlock()

	for _, s := range evicted {
		s.Cleanup()
	}
	return len(evicted)
}

// StartSweeper evicts idle sessions on the interval until the context
// ends or the cleanup barrier goes up.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.Closed() {
					return
				}
				if n := c.EvictIdle(); n > 0 {
					slog.Debug("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// Remove evicts one session, invoking its cleanup hook. Returns whether
// it was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	el, ok := c.entries[id]
	var sess *AgentSession
	if ok {
		sess = el.Value.(*cacheEntry).sess
		c.order.Remove(el)
		delete(c.entries, id)
		metrics.ActiveSessions.Dec()
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Cleanup()
	}
	return ok
}

// Clear evicts everything, running each cleanup hook.
func (c *Cache) Clear() {
	c.mu.Lock()
	var all []*AgentSession
	for _, el := range c.entries {
		all = append(all, el.Value.(*cacheEntry).sess)
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	metrics.ActiveSessions.Sub(float64(len(all)))
	c.mu.Unlock()

	for _, s := range all {
		s.Cleanup()
	}
}

// Cleanup raises the insertion barrier and tears everything down.
// Concurrent calls coalesce: later callers wait for the first to
// finish.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	if c.cleaning {
		done := c.cleaned
		c.mu.Unlock()
		<-done
		return
	}
	c.cleaning = true
	c.cleaned = make(chan struct{})
	done := c.cleaned
	c.mu.Unlock()

	c.Clear()
	close(done)
}

// Closed reports whether the barrier is up.
func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleaning
}
