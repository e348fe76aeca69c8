package usecase

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/totegamma/ticketgate/internal/domain"
)

// Registry is the read and consume surface the gateway needs from a registry backend.
type Registry interface {
	Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error)
	Consume(ctx context.Context, registry common.Address, id uint64, caller common.Address) (domain.LedgerRecord, error)
	Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error)
	Summary(ctx context.Context, registry common.Address) (domain.RegistrySummary, error)
}

// RegistryAdmin adds issuance and administration to Registry.
type RegistryAdmin interface {
	Registry
	Deploy(ctx context.Context, in domain.DeployInput) (domain.RegistrySummary, error)
	Issue(ctx context.Context, registry common.Address, in domain.IssueInput) (domain.IssueResult, error)
	Transfer(ctx context.Context, registry common.Address, id uint64, caller, to common.Address) (domain.LedgerRecord, error)
	SetVerifier(ctx context.Context, registry common.Address, caller, identity common.Address, enabled bool) (domain.LedgerRecord, error)
	SetPrice(ctx context.Context, registry common.Address, caller common.Address, price *big.Int) (domain.LedgerRecord, error)
	Withdraw(ctx context.Context, registry common.Address, caller common.Address) (domain.LedgerRecord, error)
	CredentialsOf(ctx context.Context, registry common.Address, owner common.Address) ([]uint64, error)
	Records(ctx context.Context, registry common.Address, limit int) ([]domain.LedgerRecord, error)
}

// RateLimiter counts requests per client key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// DuplicateGuard remembers recently consumed credentials.
type DuplicateGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// EventPublisher fans ledger records out to realtime subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, record domain.LedgerRecord) error
}
