package cache

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/usecase"
)

const limiterShards = 64

type fixedWindow struct {
	start time.Time
	count int
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]fixedWindow
}

// MemoryLimiter is a fixed-window limiter. Keys are spread over shards so the
// read-modify-write of one key never waits on unrelated keys.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock
	shards [limiterShards]*limiterShard
}

var _ usecase.RateLimiter = (*MemoryLimiter)(nil)

func NewMemoryLimiter(limit int, window time.Duration, clk clock.Clock) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:  limit,
		window: window,
		clock:  clk,
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{entries: make(map[string]fixedWindow)}
	}
	return l
}

func (l *MemoryLimiter) shard(key string) *limiterShard {
	return l.shards[xxh3.HashString(key)%limiterShards]
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock.Now()
	s := l.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = fixedWindow{start: now}
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	s.entries[key] = w
	return true, nil
}

// Sweep drops windows that have elapsed and returns how many were dropped.
func (l *MemoryLimiter) Sweep() int {
	now := l.clock.Now()
	dropped := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.entries {
			if now.Sub(w.start) >= l.window {
				delete(s.entries, key)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Run sweeps every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
