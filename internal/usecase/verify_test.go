package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/ledger"
)

var (
	testAdmin = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testGate  = common.HexToAddress("0x6a7e000000000000000000000000000000000006")
	ownerA    = common.HexToAddress("0xa000000000000000000000000000000000000001")
	ownerB    = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

var testConfig = domain.Config{
	FQDN:      "gate.example.com",
	ChainID:   11155111,
	ChainName: "Sepolia",
	Verifier:  testGate.Hex(),
}

func verifyBody(registry common.Address, id string, markUsed bool) []byte {
	return []byte(fmt.Sprintf(`{"contract":"%s","tokenId":"%s","chainId":11155111,"markUsed":%t}`, registry.Hex(), id, markUsed))
}

type mockLimiter struct {
	allow bool
	err   error
}

func (m *mockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return m.allow, m.err
}

type mockGuard struct {
	mu      sync.Mutex
	entries map[string]bool
	err     error
}

func newMockGuard() *mockGuard {
	return &mockGuard{entries: map[string]bool{}}
}

func (m *mockGuard) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], m.err
}

func (m *mockGuard) Record(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = true
	return m.err
}

// forgetfulGuard never remembers anything, as if every guard window had elapsed.
type forgetfulGuard struct{}

func (forgetfulGuard) Seen(ctx context.Context, key string) (bool, error) { return false, nil }
func (forgetfulGuard) Record(ctx context.Context, key string) error       { return nil }

type mockPublisher struct {
	records []domain.LedgerRecord
}

func (m *mockPublisher) Publish(ctx context.Context, record domain.LedgerRecord) error {
	m.records = append(m.records, record)
	return nil
}

// countingRegistry counts calls and lets tests override single operations.
type countingRegistry struct {
	Registry
	queries  int
	consumes int
	query    func(ctx context.Context) (domain.CredentialState, error)
	consume  func(ctx context.Context) (domain.LedgerRecord, error)
}

func (m *countingRegistry) Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error) {
	m.queries++
	if m.query != nil {
		return m.query(ctx)
	}
	return m.Registry.Query(ctx, registry, id)
}

func (m *countingRegistry) Consume(ctx context.Context, registry common.Address, id uint64, caller common.Address) (domain.LedgerRecord, error) {
	m.consumes++
	if m.consume != nil {
		return m.consume(ctx)
	}
	return m.Registry.Consume(ctx, registry, id, caller)
}

func (m *countingRegistry) Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error) {
	if m.Registry == nil {
		return domain.EventMetadata{Name: "Mock Event", Venue: "Mock Venue"}, nil
	}
	return m.Registry.Metadata(ctx, registry)
}

func setupLedger(t *testing.T, capacity uint64, grantGate bool) (*ledger.Ledger, common.Address) {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(clock.NewFixed(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)))
	summary, err := l.Deploy(ctx, domain.DeployInput{
		Administrator: testAdmin,
		Metadata:      domain.EventMetadata{Name: "Summer Fest", Venue: "Main Hall"},
		Capacity:      capacity,
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if grantGate {
		if _, err := l.SetVerifier(ctx, summary.Address, testAdmin, testGate, true); err != nil {
			t.Fatalf("set verifier failed: %v", err)
		}
	}
	return l, summary.Address
}

func TestVerifyEndToEnd(t *testing.T) {
	ctx := context.Background()
	l, registry := setupLedger(t, 2, true)
	publisher := &mockPublisher{}
	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, newMockGuard(), WithPublisher(publisher))

	issued, err := l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerA})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if issued.CredentialID != 0 {
		t.Fatalf("expected credential 0 got %d", issued.CredentialID)
	}

	d, err := uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !d.Admit || d.Owner != ownerA {
		t.Fatalf("expected admit for owner A, got %+v", d)
	}
	if d.Event.Name != "Summer Fest" || d.Event.Venue != "Main Hall" {
		t.Fatalf("unexpected event metadata %+v", d.Event)
	}
	if len(publisher.records) != 1 || publisher.records[0].Actor != testGate {
		t.Fatalf("expected one consumption record by the gate, got %+v", publisher.records)
	}

	// inside the guard window a rescan is RecentDuplicate, after it AlreadyUsed;
	// both report used so the gate shows the same outcome
	d, err = uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Admit || d.Reason != domain.DenyRecentDuplicate || !d.Used {
		t.Fatalf("expected recent duplicate deny, got %+v", d)
	}

	// once the guard window has passed the registry answers
	later := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, forgetfulGuard{})
	d, err = later.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Admit || d.Reason != domain.DenyAlreadyUsed || !d.Used {
		t.Fatalf("expected already used deny, got %+v", d)
	}
	if d.CredentialID == nil || *d.CredentialID != 0 {
		t.Fatalf("already used deny must carry the credential id")
	}

	if _, err := l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerB}); err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	_, err = l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerB})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded got %v", err)
	}
}

func TestVerifyMalformedPayloadSkipsRegistry(t *testing.T) {
	repo := &countingRegistry{}
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, newMockGuard())

	bodies := []string{
		`{"contract":"not-an-address","tokenId":"abc"}`,
		`{"contract":"not-an-address","tokenId":"abc","chainId":11155111}`,
		`{"contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3","tokenId":"abc","chainId":11155111}`,
		`{"contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3","tokenId":"1","chainId":11155111,"extra":1}`,
		`garbage`,
	}
	for _, body := range bodies {
		d, err := uc.Verify(context.Background(), "10.0.0.1", []byte(body))
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if d.Admit || d.Reason != domain.DenyInvalidSubmission {
			t.Fatalf("expected invalid submission for %s, got %+v", body, d)
		}
		if d.Message == "" {
			t.Fatalf("invalid submission must carry a message")
		}
	}

	if repo.queries != 0 || repo.consumes != 0 {
		t.Fatalf("registry must not be contacted, got %d queries %d consumes", repo.queries, repo.consumes)
	}
}

func TestVerifyRejectsOtherChain(t *testing.T) {
	repo := &countingRegistry{}
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, newMockGuard())

	body := `{"contract":"0x5FbDB2315678afecb367f032d93F642f64180aa3","tokenId":"1","chainId":1}`
	d, err := uc.Verify(context.Background(), "10.0.0.1", []byte(body))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyInvalidSubmission {
		t.Fatalf("expected invalid submission got %+v", d)
	}
	if d.Message != "Unsupported chain. Only Sepolia (11155111) is supported." {
		t.Fatalf("unexpected message %q", d.Message)
	}
	if repo.queries != 0 {
		t.Fatalf("registry must not be contacted")
	}
}

func TestVerifyAllowedRegistries(t *testing.T) {
	l, registry := setupLedger(t, 1, true)
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, newMockGuard(), WithAllowedRegistries([]common.Address{other}))

	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "0", false))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyInvalidSubmission {
		t.Fatalf("expected invalid submission for unlisted registry, got %+v", d)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	repo := &countingRegistry{}
	limiter := &mockLimiter{allow: false}
	uc := NewVerifyUsecase(testConfig, repo, limiter, newMockGuard())

	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(common.HexToAddress("0x01"), "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyTooManyRequests {
		t.Fatalf("expected too many requests got %+v", d)
	}
	if repo.queries != 0 {
		t.Fatalf("registry must not be contacted when rate limited")
	}
}

func TestVerifyLimiterFailureFailsOpen(t *testing.T) {
	l, registry := setupLedger(t, 1, true)
	l.Issue(context.Background(), registry, domain.IssueInput{Caller: testAdmin, To: &ownerA})

	limiter := &mockLimiter{err: fmt.Errorf("redis: connection refused")}
	guard := newMockGuard()
	guard.err = fmt.Errorf("memcache: connection refused")
	uc := NewVerifyUsecase(testConfig, l, limiter, guard)

	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !d.Admit {
		t.Fatalf("limiter and guard failures must not deny, got %+v", d)
	}
}

func TestVerifyDryRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, registry := setupLedger(t, 1, true)
	l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerA})
	before, _ := l.Records(ctx, registry, 0)

	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, newMockGuard())
	for i := 0; i < 5; i++ {
		d, err := uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", false))
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if !d.Admit || !d.DryRun || d.Owner != ownerA {
			t.Fatalf("expected dry-run admit, got %+v", d)
		}
	}

	state, err := l.Query(ctx, registry, 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if state.Consumed {
		t.Fatalf("dry run must not consume")
	}
	after, _ := l.Records(ctx, registry, 0)
	if len(after) != len(before) {
		t.Fatalf("dry run must not write records")
	}
}

func TestVerifyGuardHitSkipsRegistry(t *testing.T) {
	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	repo := &countingRegistry{}
	guard := newMockGuard()
	guard.entries[GuardKey(registry, 4)] = true
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, guard)

	for _, markUsed := range []bool{true, false} {
		d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "4", markUsed))
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if d.Reason != domain.DenyRecentDuplicate || !d.Used {
			t.Fatalf("expected recent duplicate, got %+v", d)
		}
	}
	if repo.queries != 0 || repo.consumes != 0 {
		t.Fatalf("registry must not be contacted, got %d queries %d consumes", repo.queries, repo.consumes)
	}
}

func TestVerifyDenyLeavesNoGuardEntry(t *testing.T) {
	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	cases := map[string]struct {
		state  domain.CredentialState
		err    error
		reason domain.DenyReason
	}{
		"rejected":     {state: domain.CredentialState{Exists: true, Owner: ownerA, Invalid: true}, reason: domain.DenyNotValid},
		"consumed":     {state: domain.CredentialState{Exists: true, Owner: ownerA, Consumed: true}, reason: domain.DenyAlreadyUsed},
		"missing":      {err: domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential 4"), reason: domain.DenyNotValid},
		"unavailable":  {err: domain.Unavailable(errors.New("dial tcp: connection refused")), reason: domain.DenyVerificationUnavailable},
		"unauthorized": {err: domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "gate"), reason: domain.DenyGateNotAuthorized},
	}
	for name, tc := range cases {
		repo := &countingRegistry{
			query: func(ctx context.Context) (domain.CredentialState, error) {
				return tc.state, tc.err
			},
		}
		guard := newMockGuard()
		uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, guard)

		d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "4", true))
		if err != nil {
			t.Fatalf("%s: verify failed: %v", name, err)
		}
		if d.Admit || d.Reason != tc.reason {
			t.Fatalf("%s: expected %s got %+v", name, tc.reason, d)
		}
		if repo.consumes != 0 {
			t.Fatalf("%s: deny must not consume", name)
		}
		if len(guard.entries) != 0 {
			t.Fatalf("%s: deny must not write a guard entry, got %v", name, guard.entries)
		}
	}

	// a dry-run admit does not record either
	repo := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			return domain.CredentialState{Exists: true, Owner: ownerA}, nil
		},
	}
	guard := newMockGuard()
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, guard)
	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "4", false))
	if err != nil || !d.Admit || !d.DryRun {
		t.Fatalf("expected dry-run admit, got %+v %v", d, err)
	}
	if len(guard.entries) != 0 {
		t.Fatalf("dry run must not write a guard entry")
	}
}

func TestVerifyUnknownCredential(t *testing.T) {
	l, registry := setupLedger(t, 1, true)
	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, newMockGuard())

	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyNotValid || d.Used {
		t.Fatalf("expected not valid, got %+v", d)
	}
	if d.Message != "Ticket does not exist" {
		t.Fatalf("unexpected message %q", d.Message)
	}

	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	d, err = uc.Verify(context.Background(), "10.0.0.1", verifyBody(unknown, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyNotValid {
		t.Fatalf("expected not valid for unknown registry, got %+v", d)
	}
}

func TestVerifyGateNotAuthorized(t *testing.T) {
	ctx := context.Background()
	l, registry := setupLedger(t, 1, false)
	l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerA})

	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, newMockGuard())
	d, err := uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Admit || d.Reason != domain.DenyGateNotAuthorized {
		t.Fatalf("expected gate not authorized, got %+v", d)
	}

	state, _ := l.Query(ctx, registry, 0)
	if state.Consumed {
		t.Fatalf("credential must stay valid")
	}
}

func TestVerifyConsumeRaceLost(t *testing.T) {
	guard := newMockGuard()
	repo := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			return domain.CredentialState{Exists: true, Owner: ownerA}, nil
		},
		consume: func(ctx context.Context) (domain.LedgerRecord, error) {
			return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "credential 3")
		},
	}
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, guard)

	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "3", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Admit || d.Reason != domain.DenyAlreadyUsed || !d.Used {
		t.Fatalf("expected already used after lost race, got %+v", d)
	}
	if len(guard.entries) != 0 {
		t.Fatalf("a lost race must not write a guard entry")
	}
}

func TestVerifyRegistryUnavailable(t *testing.T) {
	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	unreachable := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			return domain.CredentialState{}, domain.Unavailable(fmt.Errorf("dial tcp: connection refused"))
		},
	}
	uc := NewVerifyUsecase(testConfig, unreachable, &mockLimiter{allow: true}, newMockGuard())
	d, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "1", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyVerificationUnavailable {
		t.Fatalf("expected verification unavailable, got %+v", d)
	}

	hanging := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			<-ctx.Done()
			return domain.CredentialState{}, ctx.Err()
		},
	}
	uc = NewVerifyUsecase(testConfig, hanging, &mockLimiter{allow: true}, newMockGuard(), WithRegistryTimeout(10*time.Millisecond))
	d, err = uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "1", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if d.Reason != domain.DenyVerificationUnavailable {
		t.Fatalf("expected verification unavailable on timeout, got %+v", d)
	}
}

func TestVerifyConsumeSurvivesClientDisconnect(t *testing.T) {
	var consumeErr error
	repo := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			return domain.CredentialState{Exists: true, Owner: ownerA}, nil
		},
		consume: func(ctx context.Context) (domain.LedgerRecord, error) {
			consumeErr = ctx.Err()
			return domain.LedgerRecord{Kind: "consumed"}, nil
		},
	}
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, newMockGuard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	d, err := uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "1", true))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if consumeErr != nil {
		t.Fatalf("consume must not see the request cancellation, got %v", consumeErr)
	}
	if !d.Admit {
		t.Fatalf("expected admit, got %+v", d)
	}
}

func TestVerifyUnclassifiedError(t *testing.T) {
	repo := &countingRegistry{
		query: func(ctx context.Context) (domain.CredentialState, error) {
			return domain.CredentialState{}, fmt.Errorf("unexpected")
		},
	}
	uc := NewVerifyUsecase(testConfig, repo, &mockLimiter{allow: true}, newMockGuard())

	registry := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	_, err := uc.Verify(context.Background(), "10.0.0.1", verifyBody(registry, "1", true))
	if err == nil {
		t.Fatalf("expected an error for an unclassified failure")
	}
}

func TestVerifyConcurrentScansAdmitOnce(t *testing.T) {
	ctx := context.Background()
	l, registry := setupLedger(t, 1, true)
	l.Issue(ctx, registry, domain.IssueInput{Caller: testAdmin, To: &ownerA})
	uc := NewVerifyUsecase(testConfig, l, &mockLimiter{allow: true}, forgetfulGuard{})

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	admits, used := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := uc.Verify(ctx, "10.0.0.1", verifyBody(registry, "0", true))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if d.Admit {
				admits++
			} else if d.Reason == domain.DenyAlreadyUsed {
				used++
			}
		}()
	}
	wg.Wait()

	if admits != 1 || used != n-1 {
		t.Fatalf("expected 1 admit and %d already used, got %d and %d", n-1, admits, used)
	}
}
