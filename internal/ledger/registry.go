package ledger

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/schemas"
)

// Registry is the authoritative state of one event. Every operation runs
// under a single mutex, so operations are linearized with respect to each other.
type Registry struct {
	mu          sync.Mutex
	address     common.Address
	admin       common.Address
	metadata    domain.EventMetadata
	capacity    uint64
	price       *big.Int
	balance     *big.Int
	credentials []domain.Credential
	verifiers   map[common.Address]bool
	records     []domain.LedgerRecord
	clock       clock.Clock
}

func NewRegistry(address common.Address, in domain.DeployInput, clk clock.Clock) (*Registry, error) {
	if in.Capacity == 0 {
		return nil, domain.NewRegistryError(domain.ReasonInvalidArgument, "capacity must be positive")
	}
	price := new(big.Int)
	if in.Price != nil {
		if in.Price.Sign() < 0 {
			return nil, domain.NewRegistryError(domain.ReasonInvalidArgument, "price must not be negative")
		}
		price.Set(in.Price)
	}
	if in.Administrator == (common.Address{}) {
		return nil, domain.NewRegistryError(domain.ReasonInvalidArgument, "administrator is required")
	}

	r := &Registry{
		address:   address,
		admin:     in.Administrator,
		metadata:  in.Metadata,
		capacity:  in.Capacity,
		price:     price,
		balance:   new(big.Int),
		verifiers: make(map[common.Address]bool),
		clock:     clk,
	}
	r.appendRecord(domain.LedgerRecord{
		Kind:   schemas.RegistryDeployed,
		Actor:  in.Administrator,
		Amount: new(big.Int).Set(price),
	})
	return r, nil
}

func (r *Registry) Address() common.Address {
	return r.address
}

func (r *Registry) Metadata() domain.EventMetadata {
	return r.metadata
}

// Issue mints the next credential. The administrator issues without paying.
func (r *Registry) Issue(in domain.IssueInput) (domain.IssueResult, error) {
	payment := new(big.Int)
	if in.Payment != nil {
		if in.Payment.Sign() < 0 {
			return domain.IssueResult{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "payment must not be negative")
		}
		payment.Set(in.Payment)
	}
	owner := in.Caller
	if in.To != nil {
		owner = *in.To
	}
	if owner == (common.Address{}) {
		return domain.IssueResult{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "owner must not be the zero address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	issued := uint64(len(r.credentials))
	if issued >= r.capacity {
		return domain.IssueResult{}, domain.NewRegistryError(domain.ReasonCapacityExceeded, "all %d credentials issued", r.capacity)
	}

	due := new(big.Int).Set(r.price)
	if in.Caller == r.admin {
		due.SetInt64(0)
	}
	if payment.Cmp(due) < 0 {
		return domain.IssueResult{}, domain.NewRegistryError(domain.ReasonInsufficientPayment, "price is %s, paid %s", due, payment)
	}

	id := issued
	r.credentials = append(r.credentials, domain.Credential{ID: id, Owner: owner})
	r.balance.Add(r.balance, due)

	rec := r.appendRecord(domain.LedgerRecord{
		Kind:         schemas.CredentialIssued,
		CredentialID: &id,
		Actor:        in.Caller,
		Subject:      &owner,
		Amount:       new(big.Int).Set(due),
	})

	return domain.IssueResult{
		CredentialID: id,
		Owner:        owner,
		Paid:         due,
		Refund:       new(big.Int).Sub(payment, due),
		Record:       rec,
	}, nil
}

func (r *Registry) Query(id uint64) (domain.CredentialState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id >= uint64(len(r.credentials)) {
		return domain.CredentialState{}, domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential %d", id)
	}
	c := r.credentials[id]
	return domain.CredentialState{Exists: true, Owner: c.Owner, Consumed: c.Consumed}, nil
}

// Consume is the only Valid -> Consumed transition.
func (r *Registry) Consume(id uint64, caller common.Address) (domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verifiers[caller] {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "%s", caller.Hex())
	}
	if id >= uint64(len(r.credentials)) {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential %d", id)
	}
	if r.credentials[id].Consumed {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "credential %d", id)
	}
	r.credentials[id].Consumed = true

	return r.appendRecord(domain.LedgerRecord{
		Kind:         schemas.CredentialConsumed,
		CredentialID: &id,
		Actor:        caller,
	}), nil
}

// Transfer changes ownership; consumption state is untouched.
func (r *Registry) Transfer(id uint64, caller, to common.Address) (domain.LedgerRecord, error) {
	if to == (common.Address{}) {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "recipient must not be the zero address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id >= uint64(len(r.credentials)) {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential %d", id)
	}
	if r.credentials[id].Owner != caller {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonNotOwner, "%s does not own credential %d", caller.Hex(), id)
	}
	r.credentials[id].Owner = to

	return r.appendRecord(domain.LedgerRecord{
		Kind:         schemas.CredentialTransferred,
		CredentialID: &id,
		Actor:        caller,
		Subject:      &to,
	}), nil
}

func (r *Registry) SetVerifier(caller, identity common.Address, enabled bool) (domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.admin {
		return domain.LedgerRecord{}, domain.ErrNotAdministrator
	}
	if enabled {
		r.verifiers[identity] = true
	} else {
		delete(r.verifiers, identity)
	}

	return r.appendRecord(domain.LedgerRecord{
		Kind:    schemas.VerifierChanged,
		Actor:   caller,
		Subject: &identity,
		Enabled: &enabled,
	}), nil
}

func (r *Registry) SetPrice(caller common.Address, price *big.Int) (domain.LedgerRecord, error) {
	if price == nil || price.Sign() < 0 {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "price must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.admin {
		return domain.LedgerRecord{}, domain.ErrNotAdministrator
	}
	r.price = new(big.Int).Set(price)

	return r.appendRecord(domain.LedgerRecord{
		Kind:   schemas.PriceChanged,
		Actor:  caller,
		Amount: new(big.Int).Set(price),
	}), nil
}

// Withdraw pays the collected balance out to the administrator.
func (r *Registry) Withdraw(caller common.Address) (domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.admin {
		return domain.LedgerRecord{}, domain.ErrNotAdministrator
	}
	amount := new(big.Int).Set(r.balance)
	r.balance.SetInt64(0)

	return r.appendRecord(domain.LedgerRecord{
		Kind:   schemas.FundsWithdrawn,
		Actor:  caller,
		Amount: amount,
	}), nil
}

func (r *Registry) IsVerifier(identity common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifiers[identity]
}

func (r *Registry) Balance() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balance)
}

func (r *Registry) Summary() domain.RegistrySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return domain.RegistrySummary{
		Address:       r.address,
		Administrator: r.admin,
		Metadata:      r.metadata,
		Price:         new(big.Int).Set(r.price),
		Capacity:      r.capacity,
		Issued:        uint64(len(r.credentials)),
	}
}

func (r *Registry) CredentialsOf(owner common.Address) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := []uint64{}
	for _, c := range r.credentials {
		if c.Owner == owner {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Records returns up to limit of the most recent records, oldest first.
func (r *Registry) Records(limit int) []domain.LedgerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if limit > 0 && len(r.records) > limit {
		start = len(r.records) - limit
	}
	out := make([]domain.LedgerRecord, len(r.records)-start)
	copy(out, r.records[start:])
	return out
}

// appendRecord must be called with mu held.
func (r *Registry) appendRecord(rec domain.LedgerRecord) domain.LedgerRecord {
	rec.ID = uuid.NewString()
	rec.Registry = r.address
	rec.Timestamp = r.clock.Now()
	r.records = append(r.records, rec)
	return rec
}
