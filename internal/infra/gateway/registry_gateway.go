package gateway

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"

	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/usecase"
)

// RegistryGateway fronts a registry backend and caches event metadata, which
// is immutable once a registry exists. Credential state is never cached.
type RegistryGateway struct {
	usecase.Registry
	cache *cache.Cache
}

var _ usecase.Registry = (*RegistryGateway)(nil)

func NewRegistryGateway(registry usecase.Registry) *RegistryGateway {
	return &RegistryGateway{
		Registry: registry,
		cache:    cache.New(10*time.Minute, 15*time.Minute),
	}
}

func (g *RegistryGateway) Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error) {
	key := registry.Hex()
	if cached, found := g.cache.Get(key); found {
		return cached.(domain.EventMetadata), nil
	}

	metadata, err := g.Registry.Metadata(ctx, registry)
	if err != nil {
		return domain.EventMetadata{}, err
	}
	g.cache.Set(key, metadata, cache.DefaultExpiration)
	return metadata, nil
}
