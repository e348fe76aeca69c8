package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
)

// Ledger holds every registry deployed in this process.
type Ledger struct {
	mu         sync.RWMutex
	registries map[common.Address]*Registry
	nonces     map[common.Address]uint64
	clock      clock.Clock
}

func New(clk clock.Clock) *Ledger {
	return &Ledger{
		registries: make(map[common.Address]*Registry),
		nonces:     make(map[common.Address]uint64),
		clock:      clk,
	}
}

// Deploy creates a registry whose address is derived from the administrator and
// its deployment count, the same way contract addresses are derived.
func (l *Ledger) Deploy(ctx context.Context, in domain.DeployInput) (domain.RegistrySummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce := l.nonces[in.Administrator]
	address := crypto.CreateAddress(in.Administrator, nonce)

	r, err := NewRegistry(address, in, l.clock)
	if err != nil {
		return domain.RegistrySummary{}, err
	}
	l.nonces[in.Administrator] = nonce + 1
	l.registries[address] = r

	return r.Summary(), nil
}

func (l *Ledger) Registry(address common.Address) (*Registry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.registries[address]
	if !ok {
		return nil, domain.NewRegistryError(domain.ReasonRegistryNotFound, "%s", address.Hex())
	}
	return r, nil
}

func (l *Ledger) Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.CredentialState{}, err
	}
	return r.Query(id)
}

func (l *Ledger) Consume(ctx context.Context, registry common.Address, id uint64, caller common.Address) (domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	return r.Consume(id, caller)
}

func (l *Ledger) Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.EventMetadata{}, err
	}
	return r.Metadata(), nil
}

func (l *Ledger) Summary(ctx context.Context, registry common.Address) (domain.RegistrySummary, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.RegistrySummary{}, err
	}
	return r.Summary(), nil
}

func (l *Ledger) Issue(ctx context.Context, registry common.Address, in domain.IssueInput) (domain.IssueResult, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.IssueResult{}, err
	}
	return r.Issue(in)
}

func (l *Ledger) Transfer(ctx context.Context, registry common.Address, id uint64, caller, to common.Address) (domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	return r.Transfer(id, caller, to)
}

func (l *Ledger) SetVerifier(ctx context.Context, registry common.Address, caller, identity common.Address, enabled bool) (domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	return r.SetVerifier(caller, identity, enabled)
}

func (l *Ledger) SetPrice(ctx context.Context, registry common.Address, caller common.Address, price *big.Int) (domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	return r.SetPrice(caller, price)
}

func (l *Ledger) Withdraw(ctx context.Context, registry common.Address, caller common.Address) (domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	return r.Withdraw(caller)
}

func (l *Ledger) CredentialsOf(ctx context.Context, registry common.Address, owner common.Address) ([]uint64, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return nil, err
	}
	return r.CredentialsOf(owner), nil
}

func (l *Ledger) Records(ctx context.Context, registry common.Address, limit int) ([]domain.LedgerRecord, error) {
	r, err := l.Registry(registry)
	if err != nil {
		return nil, err
	}
	return r.Records(limit), nil
}
