package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/usecase"
	"github.com/totegamma/ticketgate/schemas"
)

// SignalService fans ledger records out over redis pub/sub, one channel per registry.
type SignalService struct {
	rdb *redis.Client
}

var _ usecase.EventPublisher = (*SignalService)(nil)

func NewSignalService(redisClient *redis.Client) *SignalService {
	return &SignalService{
		rdb: redisClient,
	}
}

func (s *SignalService) Publish(ctx context.Context, record domain.LedgerRecord) error {

	jsonstr, err := json.Marshal(record.Wire())
	if err != nil {
		return err
	}

	err = s.rdb.Publish(ctx, schemas.Channel(record.Registry.Hex()), jsonstr).Err()
	if err != nil {
		return errors.Wrap(err, "Signal.Service.Publish")
	}

	return nil
}

// Subscribe listens on the given registries' channels, or on every registry when none are given.
func (s *SignalService) Subscribe(ctx context.Context, registries ...string) *redis.PubSub {
	if len(registries) == 0 {
		return s.rdb.PSubscribe(ctx, schemas.AllChannels)
	}
	channels := make([]string, len(registries))
	for i, r := range registries {
		channels[i] = schemas.Channel(r)
	}
	return s.rdb.Subscribe(ctx, channels...)
}
