package cache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/usecase"
)

var tracer = otel.Tracer("cache")

// MemoryGuard keeps guard entries in process. Entries are compared against the
// clock on every read; the go-cache janitor only bounds memory.
type MemoryGuard struct {
	cache  *cache.Cache
	window time.Duration
	clock  clock.Clock
}

var _ usecase.DuplicateGuard = (*MemoryGuard)(nil)

func NewMemoryGuard(window time.Duration, clk clock.Clock) *MemoryGuard {
	return &MemoryGuard{
		cache:  cache.New(window, 2*window),
		window: window,
		clock:  clk,
	}
}

func (g *MemoryGuard) Seen(ctx context.Context, key string) (bool, error) {
	v, found := g.cache.Get(key)
	if !found {
		return false, nil
	}
	return g.clock.Now().Sub(v.(time.Time)) < g.window, nil
}

func (g *MemoryGuard) Record(ctx context.Context, key string) error {
	g.cache.Set(key, g.clock.Now(), g.window)
	return nil
}
