package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter: misma ventana fija que el backend Redis, contadores en
// proceso. No comparte cuenta entre instancias.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int64
	window time.Duration
	hits   map[string]int64
	starts map[string]time.Time
	now    func() time.Time
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    int64(max),
		window: window,
		hits:   make(map[string]int64),
		starts: make(map[string]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	winStart := now.Truncate(l.window)
	if start, ok := l.starts[key]; !ok || !start.Equal(winStart) {
		l.starts[key] = winStart
		l.hits[key] = 0
	}
	l.hits[key]++

	hits := l.hits[key]
	remaining := l.max - hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   hits <= l.max,
		Remaining: remaining,
		Hits:      hits,
	}
	if !res.Allowed {
		res.RetryAfter = winStart.Add(l.window).Sub(now)
	}
	return res, nil
}
