// Package cache is the response cache: an LRU bounded by entry count and
// total bytes, keyed by request fingerprint, with single-flight coalescing.
// While one request computes a response, identical requests wait on the same
// in-flight slot instead of stampeding the upstream; the number of waiters
// per fingerprint is capped.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTooManyWaiters is returned when a fingerprint already has the maximum
// number of coalesced waiters. Callers surface it as overload, not failure.
var ErrTooManyWaiters = errors.New("cache: too many waiters for one fingerprint")

// Config bounds the cache.
type Config struct {
	// MaxEntries caps the entry count. 0 means unbounded.
	MaxEntries int
	// MaxBytes caps the summed response sizes. 0 means unbounded.
	MaxBytes int64
	// MaxWaiters caps coalesced waiters per fingerprint. 0 means unbounded.
	MaxWaiters int
}

type entry struct {
	key        string
	value      []byte
	size       int64
	expiresAt  time.Time
	insertedAt time.Time
}

// flight is the in-flight slot identical requests rendezvous on. value and
// err are published before done closes.
type flight struct {
	done    chan struct{}
	value   []byte
	err     error
	waiters int
}

// Option configures optional cache behavior.
type Option func(*Cache)

// WithClock overrides the cache clock in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSizeCallback registers a hook invoked (under the cache lock) after any
// size change. The hook must not call back into the cache.
func WithSizeCallback(fn func(entries int, bytes int64)) Option {
	return func(c *Cache) { c.onSize = fn }
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List // front = most recently used
	index    map[string]*list.Element
	inflight map[string]*flight
	bytes    int64
	cfg      Config
	onSize   func(int, int64)
	now      func() time.Time
	logger   *slog.Logger
}

// New builds an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		inflight: make(map[string]*flight),
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompute returns the cached value for key, or runs compute exactly once
// across all concurrent callers and caches its result for ttl. hit is true
// when the value came from the cache or from joining another caller's
// computation; the caller that actually ran compute gets hit=false.
//
// Failed computations are not cached: every waiter of a failed flight gets
// the error, and the next request starts fresh. A panicking compute fails
// its waiters before the panic resumes, so nobody blocks forever.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) (value []byte, hit bool, err error) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if c.now().Before(e.expiresAt) {
			c.ll.MoveToFront(el)
			v := e.value
			c.mu.Unlock()
			return v, true, nil
		}
		c.removeLocked(el)
	}

	if f, ok := c.inflight[key]; ok {
		if c.cfg.MaxWaiters > 0 && f.waiters >= c.cfg.MaxWaiters {
			c.mu.Unlock()
			return nil, false, ErrTooManyWaiters
		}
		f.waiters++
		c.mu.Unlock()

		select {
		case <-f.done:
			if f.err != nil {
				return nil, false, f.err
			}
			return f.value, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	value, err = c.run(ctx, key, ttl, compute, f)
	return value, false, err
}

func (c *Cache) run(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error), f *flight) ([]byte, error) {
	settled := false
	defer func() {
		if !settled {
			// compute panicked. Fail the waiters, then let the panic continue
			// up this caller's stack.
			c.settle(key, f, nil, fmt.Errorf("cache: compute for %s panicked", key), 0)
		}
	}()

	value, err := compute(ctx)
	settled = true
	c.settle(key, f, value, err, ttl)
	return value, err
}

// settle publishes a flight's outcome and stores successful values.
func (c *Cache) settle(key string, f *flight, value []byte, err error, ttl time.Duration) {
	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil && ttl > 0 {
		c.addLocked(key, value, ttl)
	}
	c.mu.Unlock()

	f.value, f.err = value, err
	close(f.done)
}

func (c *Cache) addLocked(key string, value []byte, ttl time.Duration) {
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
	now := c.now()
	e := &entry{
		key:        key,
		value:      value,
		size:       int64(len(value)),
		expiresAt:  now.Add(ttl),
		insertedAt: now,
	}
	c.index[key] = c.ll.PushFront(e)
	c.bytes += e.size

	for (c.cfg.MaxEntries > 0 && c.ll.Len() > c.cfg.MaxEntries) ||
		(c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes) {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
	c.sizeChangedLocked()
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, e.key)
	c.bytes -= e.size
}

func (c *Cache) sizeChangedLocked() {
	if c.onSize != nil {
		c.onSize(c.ll.Len(), c.bytes)
	}
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// SizeBytes returns the summed size of cached values.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// StartSweeper evicts expired entries every interval until ctx is cancelled.
// Expired entries are also dropped lazily on lookup; the sweeper just keeps
// cold expired entries from pinning memory.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	// A panic here must not take the process down with it.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache sweeper panic", "panic", r)
		}
	}()

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); !now.Before(e.expiresAt) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
	if len(expired) > 0 {
		c.sizeChangedLocked()
	}
}
