package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default eviction tuning. A bucket idle for longer than defaultMaxIdle is
// eligible for removal on the next sweep.
const (
	defaultMaxIdle       = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Suitable
// for a single-instance deployment; a multi-instance one substitutes a
// shared Limiter backend.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	maxIdle       time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second per
// key with bursts up to burst. A background goroutine sweeps idle buckets so
// the key space stays bounded; Close stops it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:          rate,
		burst:         float64(burst),
		maxIdle:       defaultMaxIdle,
		sweepInterval: defaultSweepInterval,
		buckets:       make(map[string]*bucket),
		done:          make(chan struct{}),
	}
	go m.run()
	return m
}

// Allow takes one token from key's bucket, refilling it for the time elapsed
// since the last request. False means the caller should be rejected.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst}
		m.buckets[key] = b
	} else {
		b.tokens = min(m.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*m.rate)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) run() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops buckets idle past maxIdle. A dropped key that returns later
// simply starts over with a full bucket.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.maxIdle {
			delete(m.buckets, key)
		}
	}
}
