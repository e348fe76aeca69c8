package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/usecase"
)

const guardKeyPrefix = "ticketgate:guard:"

// MemcachedGuard shares guard entries between gateway replicas. The stored
// value is the decision time in unix milliseconds.
type MemcachedGuard struct {
	mc     *memcache.Client
	window time.Duration
	clock  clock.Clock
}

var _ usecase.DuplicateGuard = (*MemcachedGuard)(nil)

func NewMemcachedGuard(mc *memcache.Client, window time.Duration, clk clock.Clock) *MemcachedGuard {
	return &MemcachedGuard{
		mc:     mc,
		window: window,
		clock:  clk,
	}
}

func (g *MemcachedGuard) Seen(ctx context.Context, key string) (bool, error) {
	_, span := tracer.Start(ctx, "Cache.MemcachedGuard.Seen")
	defer span.End()

	item, err := g.mc.Get(guardKeyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, errors.Wrap(err, "Cache.MemcachedGuard.Seen")
	}

	ms, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return false, errors.Wrap(err, "Cache.MemcachedGuard.Seen: corrupt entry")
	}
	return g.clock.Now().Sub(time.UnixMilli(ms)) < g.window, nil
}

func (g *MemcachedGuard) Record(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "Cache.MemcachedGuard.Record")
	defer span.End()

	// memcached expirations have second granularity
	expiration := int32((g.window + time.Second - 1) / time.Second)
	err := g.mc.Set(&memcache.Item{
		Key:        guardKeyPrefix + key,
		Value:      []byte(strconv.FormatInt(g.clock.Now().UnixMilli(), 10)),
		Expiration: expiration,
	})
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "Cache.MemcachedGuard.Record")
	}
	return nil
}
