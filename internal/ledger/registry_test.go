package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/usecase"
	"github.com/totegamma/ticketgate/schemas"
)

var _ usecase.RegistryAdmin = (*Ledger)(nil)

var (
	admin    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	verifier = common.HexToAddress("0x2000000000000000000000000000000000000002")
	alice    = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

func newTestRegistry(t *testing.T, capacity uint64, price int64) *Registry {
	t.Helper()
	r, err := NewRegistry(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), domain.DeployInput{
		Administrator: admin,
		Metadata:      domain.EventMetadata{Name: "Test Event", Venue: "Test Venue"},
		Capacity:      capacity,
		Price:         big.NewInt(price),
	}, clock.NewFixed(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	return r
}

func TestNewRegistryRejectsZeroCapacity(t *testing.T) {
	_, err := NewRegistry(common.Address{}, domain.DeployInput{Administrator: admin}, clock.NewSystem())
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument got %v", err)
	}
}

func TestIssueCapacityBoundary(t *testing.T) {
	r := newTestRegistry(t, 3, 0)

	for i := uint64(0); i < 3; i++ {
		res, err := r.Issue(domain.IssueInput{Caller: alice})
		if err != nil {
			t.Fatalf("issue %d failed: %v", i, err)
		}
		if res.CredentialID != i {
			t.Fatalf("expected sequential id %d got %d", i, res.CredentialID)
		}
	}

	_, err := r.Issue(domain.IssueInput{Caller: alice})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded got %v", err)
	}
	if got := r.Summary().Issued; got != 3 {
		t.Fatalf("issued count must stay at capacity, got %d", got)
	}
}

func TestIssuePaymentAndRefund(t *testing.T) {
	r := newTestRegistry(t, 10, 100)

	_, err := r.Issue(domain.IssueInput{Caller: alice, Payment: big.NewInt(99)})
	if !errors.Is(err, domain.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment got %v", err)
	}

	res, err := r.Issue(domain.IssueInput{Caller: alice, Payment: big.NewInt(150)})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if res.Refund.Int64() != 50 || res.Paid.Int64() != 100 {
		t.Fatalf("expected paid 100 refund 50, got paid %s refund %s", res.Paid, res.Refund)
	}
	if res.Owner != alice {
		t.Fatalf("caller should own the credential")
	}
	if res.Record.Kind != schemas.CredentialIssued || *res.Record.CredentialID != 0 {
		t.Fatalf("unexpected issuance record %+v", res.Record)
	}

	res, err = r.Issue(domain.IssueInput{Caller: admin, To: &bob})
	if err != nil {
		t.Fatalf("administrator issuance must waive the price: %v", err)
	}
	if res.Owner != bob {
		t.Fatalf("expected target owner %s got %s", bob.Hex(), res.Owner.Hex())
	}

	if r.Balance().Int64() != 100 {
		t.Fatalf("expected balance 100 got %s", r.Balance())
	}
}

func TestQueryMissingCredential(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	_, err := r.Query(0)
	if !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound got %v", err)
	}
}

func TestConsumeRequiresVerifier(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	if _, err := r.Issue(domain.IssueInput{Caller: alice}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// the administrator is not implicitly a verifier
	if _, err := r.Consume(0, admin); !errors.Is(err, domain.ErrNotAuthorizedVerifier) {
		t.Fatalf("expected ErrNotAuthorizedVerifier got %v", err)
	}

	if _, err := r.SetVerifier(alice, verifier, true); !errors.Is(err, domain.ErrNotAdministrator) {
		t.Fatalf("expected ErrNotAdministrator got %v", err)
	}
	if _, err := r.SetVerifier(admin, verifier, true); err != nil {
		t.Fatalf("set verifier failed: %v", err)
	}

	rec, err := r.Consume(0, verifier)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if rec.Kind != schemas.CredentialConsumed || rec.Actor != verifier {
		t.Fatalf("unexpected consumption record %+v", rec)
	}

	if _, err := r.Consume(0, verifier); !errors.Is(err, domain.ErrTicketAlreadyUsed) {
		t.Fatalf("expected ErrTicketAlreadyUsed got %v", err)
	}
	if _, err := r.Consume(5, verifier); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound got %v", err)
	}

	if _, err := r.SetVerifier(admin, verifier, false); err != nil {
		t.Fatalf("revoke verifier failed: %v", err)
	}
	if r.IsVerifier(verifier) {
		t.Fatalf("verifier should be revoked")
	}
}

func TestConsumeExactlyOnce(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	if _, err := r.Issue(domain.IssueInput{Caller: alice}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := r.SetVerifier(admin, verifier, true); err != nil {
		t.Fatalf("set verifier failed: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, alreadyUsed := 0, 0

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Consume(0, verifier)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrTicketAlreadyUsed):
				alreadyUsed++
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || alreadyUsed != n-1 {
		t.Fatalf("expected 1 success and %d already-used, got %d and %d", n-1, successes, alreadyUsed)
	}
}

func TestConsumedNeverReverts(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	r.Issue(domain.IssueInput{Caller: alice})
	r.SetVerifier(admin, verifier, true)
	r.Consume(0, verifier)

	// ownership changes do not touch consumption
	if _, err := r.Transfer(0, alice, bob); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	state, err := r.Query(0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !state.Consumed || state.Owner != bob {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestTransferRequiresOwner(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	r.Issue(domain.IssueInput{Caller: alice})

	if _, err := r.Transfer(0, bob, bob); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner got %v", err)
	}
	if _, err := r.Transfer(3, alice, bob); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound got %v", err)
	}
	if ids := r.CredentialsOf(alice); len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("unexpected credentials of alice %v", ids)
	}
}

func TestAdministratorOperations(t *testing.T) {
	r := newTestRegistry(t, 5, 10)
	r.Issue(domain.IssueInput{Caller: alice, Payment: big.NewInt(10)})
	r.Issue(domain.IssueInput{Caller: bob, Payment: big.NewInt(10)})

	if _, err := r.SetPrice(alice, big.NewInt(1)); !errors.Is(err, domain.ErrNotAdministrator) {
		t.Fatalf("expected ErrNotAdministrator got %v", err)
	}
	if _, err := r.SetPrice(admin, big.NewInt(-1)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument got %v", err)
	}
	if _, err := r.SetPrice(admin, big.NewInt(20)); err != nil {
		t.Fatalf("set price failed: %v", err)
	}
	if r.Summary().Price.Int64() != 20 {
		t.Fatalf("price not updated")
	}

	if _, err := r.Withdraw(bob); !errors.Is(err, domain.ErrNotAdministrator) {
		t.Fatalf("expected ErrNotAdministrator got %v", err)
	}
	rec, err := r.Withdraw(admin)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if rec.Amount.Int64() != 20 || r.Balance().Sign() != 0 {
		t.Fatalf("expected withdrawal of 20 leaving 0, got %s leaving %s", rec.Amount, r.Balance())
	}

	records := r.Records(0)
	if len(records) != 5 {
		t.Fatalf("expected 5 records got %d", len(records))
	}
	if latest := r.Records(1); len(latest) != 1 || latest[0].Kind != schemas.FundsWithdrawn {
		t.Fatalf("unexpected latest record %+v", latest)
	}
}

func TestLedgerDeploy(t *testing.T) {
	l := New(clock.NewSystem())
	ctx := context.Background()

	first, err := l.Deploy(ctx, domain.DeployInput{Administrator: admin, Capacity: 2})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	second, err := l.Deploy(ctx, domain.DeployInput{Administrator: admin, Capacity: 2})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if first.Address == second.Address {
		t.Fatalf("deployments must get distinct addresses")
	}

	_, err = l.Query(ctx, common.HexToAddress("0x9999999999999999999999999999999999999999"), 0)
	if !errors.Is(err, domain.ErrRegistryNotFound) {
		t.Fatalf("expected ErrRegistryNotFound got %v", err)
	}
}
