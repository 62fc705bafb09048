package policy

import (
	"context"
	"sync"
	"time"
)

// QuotaStore counts one hit against key and reports whether the count stays
// within limit for the sliding window.
type QuotaStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type quotaCounter struct {
	windowID int64 // current fixed window index, now / window
	current  int
	previous int
	lastSeen time.Time
}

// MemoryQuota approximates a sliding window with two adjacent fixed windows:
// the previous window's count is weighted by how much of it still overlaps
// the sliding window. Single-process only; multi-replica deployments use
// RedisQuota so every replica sees the same counts.
type MemoryQuota struct {
	mu       sync.Mutex
	counters map[string]*quotaCounter
	now      func() time.Time
}

// NewMemoryQuota builds an empty in-process quota store.
func NewMemoryQuota() *MemoryQuota {
	return &MemoryQuota{counters: make(map[string]*quotaCounter), now: time.Now}
}

// Allow implements QuotaStore.
func (m *MemoryQuota) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	now := m.now()
	windowID := now.UnixNano() / int64(window)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &quotaCounter{windowID: windowID}
		m.counters[key] = c
	}
	switch {
	case windowID == c.windowID:
	case windowID == c.windowID+1:
		c.previous, c.current = c.current, 0
		c.windowID = windowID
	default:
		c.previous, c.current = 0, 0
		c.windowID = windowID
	}
	c.lastSeen = now

	elapsed := float64(now.UnixNano()-windowID*int64(window)) / float64(window)
	estimated := float64(c.previous)*(1-elapsed) + float64(c.current)
	if estimated+1 > float64(limit) {
		return false, nil
	}
	c.current++
	return true, nil
}

// StartSweeper drops counters idle for more than maxIdle, checking every
// interval until ctx is cancelled.
func (m *MemoryQuota) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(maxIdle)
			}
		}
	}()
}

func (m *MemoryQuota) sweep(maxIdle time.Duration) {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.counters {
		if c.lastSeen.Before(cutoff) {
			delete(m.counters, key)
		}
	}
}
