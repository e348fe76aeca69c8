package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/usecase"
	"github.com/totegamma/ticketgate/schemas"
)

var tracer = otel.Tracer("chain")

// Backend is satisfied by *ethclient.Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// RegistryClient reads EventTicket contracts and marks tickets used with the
// gateway's verifier key.
type RegistryClient struct {
	backend Backend
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	chainID *big.Int
	clock   clock.Clock
}

var _ usecase.Registry = (*RegistryClient)(nil)

func NewRegistryClient(backend Backend, key *ecdsa.PrivateKey, chainID uint64, clk clock.Clock) (*RegistryClient, error) {
	parsed, err := abi.JSON(strings.NewReader(eventTicketABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse EventTicket abi")
	}
	return &RegistryClient{
		backend: backend,
		abi:     parsed,
		key:     key,
		chainID: new(big.Int).SetUint64(chainID),
		clock:   clk,
	}, nil
}

// Verifier is the address the gateway consumes tickets as.
func (c *RegistryClient) Verifier() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func (c *RegistryClient) contract(registry common.Address) *bind.BoundContract {
	return bind.NewBoundContract(registry, c.abi, c.backend, c.backend, c.backend)
}

func (c *RegistryClient) call(ctx context.Context, registry common.Address, method string, args ...any) ([]any, error) {
	var out []any
	err := c.contract(registry).Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
	if err != nil {
		return nil, c.translate(err, registry)
	}
	return out, nil
}

func (c *RegistryClient) Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error) {
	ctx, span := tracer.Start(ctx, "Registry.Chain.Query")
	defer span.End()

	tokenID := new(big.Int).SetUint64(id)

	out, err := c.call(ctx, registry, "ticketUsed", tokenID)
	if err != nil {
		span.RecordError(err)
		return domain.CredentialState{}, err
	}
	used := *abi.ConvertType(out[0], new(bool)).(*bool)

	out, err = c.call(ctx, registry, "verifyTicket", tokenID)
	if err != nil {
		span.RecordError(err)
		return domain.CredentialState{}, err
	}
	isValid := *abi.ConvertType(out[0], new(bool)).(*bool)
	owner := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	if owner == (common.Address{}) {
		return domain.CredentialState{}, domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential %d", id)
	}

	return domain.CredentialState{
		Exists:   true,
		Owner:    owner,
		Consumed: used,
		Invalid:  !isValid && !used,
	}, nil
}

func (c *RegistryClient) Consume(ctx context.Context, registry common.Address, id uint64, caller common.Address) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Chain.Consume")
	defer span.End()

	if caller != c.Verifier() {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "no key for %s", caller.Hex())
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, errors.Wrap(err, "Registry.Chain.Consume")
	}
	opts.Context = ctx

	tokenID := new(big.Int).SetUint64(id)
	tx, err := c.contract(registry).Transact(opts, "markUsed", tokenID)
	if err != nil {
		err = c.translate(err, registry)
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		err = domain.Unavailable(errors.Wrap(err, "Registry.Chain.Consume: waiting for receipt"))
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// another verifier's transaction may have landed first
		state, qerr := c.Query(ctx, registry, id)
		if qerr == nil && state.Consumed {
			return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "credential %d", id)
		}
		err := errors.Errorf("markUsed transaction %s reverted", tx.Hash().Hex())
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}

	return domain.LedgerRecord{
		ID:           tx.Hash().Hex(),
		Registry:     registry,
		Kind:         schemas.CredentialConsumed,
		CredentialID: &id,
		Actor:        caller,
		Timestamp:    c.clock.Now(),
	}, nil
}

func (c *RegistryClient) Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error) {
	ctx, span := tracer.Start(ctx, "Registry.Chain.Metadata")
	defer span.End()

	var md domain.EventMetadata
	for _, f := range []struct {
		method string
		into   *string
	}{
		{"eventName", &md.Name},
		{"eventVenue", &md.Venue},
		{"symbol", &md.Symbol},
	} {
		out, err := c.call(ctx, registry, f.method)
		if err != nil {
			span.RecordError(err)
			return domain.EventMetadata{}, err
		}
		*f.into = *abi.ConvertType(out[0], new(string)).(*string)
	}

	out, err := c.call(ctx, registry, "eventDate")
	if err != nil {
		span.RecordError(err)
		return domain.EventMetadata{}, err
	}
	date := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	md.StartsAt = time.Unix(date.Int64(), 0).UTC()

	return md, nil
}

func (c *RegistryClient) Summary(ctx context.Context, registry common.Address) (domain.RegistrySummary, error) {
	ctx, span := tracer.Start(ctx, "Registry.Chain.Summary")
	defer span.End()

	md, err := c.Metadata(ctx, registry)
	if err != nil {
		return domain.RegistrySummary{}, err
	}

	uints := map[string]*big.Int{}
	for _, method := range []string{"ticketPrice", "maxSupply", "totalTicketsSold"} {
		out, err := c.call(ctx, registry, method)
		if err != nil {
			span.RecordError(err)
			return domain.RegistrySummary{}, err
		}
		uints[method] = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	}

	out, err := c.call(ctx, registry, "owner")
	if err != nil {
		span.RecordError(err)
		return domain.RegistrySummary{}, err
	}

	return domain.RegistrySummary{
		Address:       registry,
		Administrator: *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Metadata:      md,
		Price:         uints["ticketPrice"],
		Capacity:      uints["maxSupply"].Uint64(),
		Issued:        uints["totalTicketsSold"].Uint64(),
	}, nil
}

// translate maps contract reverts to registry errors. Anything that is not a
// revert is an infrastructure failure.
func (c *RegistryClient) translate(err error, registry common.Address) error {
	if errors.Is(err, bind.ErrNoCode) {
		return domain.NewRegistryError(domain.ReasonRegistryNotFound, "no contract at %s", registry.Hex())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return domain.Unavailable(err)
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return domain.Unavailable(err)
	}
	return c.decodeRevert(common.FromHex(hexData))
}

func (c *RegistryClient) decodeRevert(data []byte) error {
	if len(data) >= 4 {
		for name, e := range c.abi.Errors {
			if !bytes.Equal(e.ID[:4], data[:4]) {
				continue
			}
			switch name {
			case "TicketAlreadyUsed":
				return domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "reverted: %s", name)
			case "TicketDoesNotExist", "ERC721NonexistentToken":
				return domain.NewRegistryError(domain.ReasonCredentialNotFound, "reverted: %s", name)
			case "NotAuthorizedVerifier":
				return domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "reverted: %s", name)
			case "InsufficientPayment":
				return domain.NewRegistryError(domain.ReasonInsufficientPayment, "reverted: %s", name)
			}
		}
	}

	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return domain.NewRegistryError(domain.ReasonInvalidArgument, "execution reverted")
	}
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "already used"):
		return domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "%s", reason)
	case strings.Contains(lower, "not authorized"), strings.Contains(lower, "verifier"):
		return domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "%s", reason)
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "nonexistent"):
		return domain.NewRegistryError(domain.ReasonCredentialNotFound, "%s", reason)
	}
	return domain.NewRegistryError(domain.ReasonInvalidArgument, "execution reverted: %s", reason)
}
