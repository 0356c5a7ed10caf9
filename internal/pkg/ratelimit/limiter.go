// Package ratelimit provides fixed-window request limiters keyed by client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/chatforge-app/chatforge/internal/pkg/env"
)

// Limiter admits at most a fixed number of hits per key in each window.
// Windows are aligned to multiples of the window length.
type Limiter interface {
	// CheckAndIncrement counts a hit for key and reports whether it is within
	// the current window's allowance.
	CheckAndIncrement(ctx context.Context, key string) (bool, error)
	// RetryAfter is the time left in the window containing now.
	RetryAfter(now time.Time) time.Duration
}

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Config is read from RATE_LIMIT_BACKEND, SESSION_LOG_RATE_LIMIT and
// SESSION_LOG_RATE_WINDOW.
type Config struct {
	Backend string
	Limit   int
	Window  time.Duration
}

func LoadConfig() Config {
	return Config{
		Backend: env.GetEnv("RATE_LIMIT_BACKEND", "memory"),
		Limit:   env.GetEnvInt("SESSION_LOG_RATE_LIMIT", DefaultLimit),
		Window:  env.GetEnvDuration("SESSION_LOG_RATE_WINDOW", DefaultWindow),
	}
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func retryAfter(now time.Time, window time.Duration) time.Duration {
	return windowStart(now, window).Add(window).Sub(now)
}

type counter struct {
	start time.Time
	count int
}

// MemoryLimiter keeps counters in process memory. Counters are not shared
// between replicas.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	counters  map[string]*counter
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, key string) (bool, error) {
	now := l.now()
	start := windowStart(now, l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if start.After(l.lastSweep) {
		// Counters of past windows can never admit or reject anything again.
		for k, c := range l.counters {
			if c.start.Before(start) {
				delete(l.counters, k)
			}
		}
		l.lastSweep = start
	}

	c, ok := l.counters[key]
	if !ok {
		c = &counter{start: start}
		l.counters[key] = c
	}
	c.count++
	return c.count <= l.limit, nil
}

func (l *MemoryLimiter) RetryAfter(now time.Time) time.Duration {
	return retryAfter(now, l.window)
}
