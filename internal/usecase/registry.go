package usecase

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/internal/domain"
)

// RegistryUsecase serves issuance, administration and read access to registries.
// Backends that only read and consume (on-chain registries) have no admin.
type RegistryUsecase struct {
	config    domain.Config
	reader    Registry
	repo      RegistryAdmin
	publisher EventPublisher
}

func NewRegistryUsecase(config domain.Config, reader Registry, repo RegistryAdmin, publisher EventPublisher) *RegistryUsecase {
	return &RegistryUsecase{
		config:    config,
		reader:    reader,
		repo:      repo,
		publisher: publisher,
	}
}

// Administrable reports whether issuance and administration are available.
func (uc *RegistryUsecase) Administrable() bool {
	return uc.repo != nil
}

func (uc *RegistryUsecase) Deploy(ctx context.Context, in domain.DeployInput) (domain.RegistrySummary, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.Deploy")
	defer span.End()

	if uc.repo == nil {
		return domain.RegistrySummary{}, domain.ErrUnsupported
	}
	summary, err := uc.repo.Deploy(ctx, in)
	if err != nil {
		span.RecordError(err)
		return domain.RegistrySummary{}, err
	}
	return summary, nil
}

func (uc *RegistryUsecase) Summary(ctx context.Context, registry common.Address) (domain.RegistrySummary, error) {
	return uc.reader.Summary(ctx, registry)
}

func (uc *RegistryUsecase) Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error) {
	return uc.reader.Query(ctx, registry, id)
}

// Payload returns the scan payload of an issued credential.
func (uc *RegistryUsecase) Payload(ctx context.Context, registry common.Address, id uint64) (ticketgate.ScanPayload, error) {
	if _, err := uc.reader.Query(ctx, registry, id); err != nil {
		return ticketgate.ScanPayload{}, err
	}
	return ticketgate.NewScanPayload(registry, id, uc.config.ChainID), nil
}

func (uc *RegistryUsecase) CredentialsOf(ctx context.Context, registry, owner common.Address) ([]uint64, error) {
	if uc.repo == nil {
		return nil, domain.ErrUnsupported
	}
	return uc.repo.CredentialsOf(ctx, registry, owner)
}

func (uc *RegistryUsecase) Records(ctx context.Context, registry common.Address, limit int) ([]domain.LedgerRecord, error) {
	if uc.repo == nil {
		return nil, domain.ErrUnsupported
	}
	return uc.repo.Records(ctx, registry, limit)
}

func (uc *RegistryUsecase) Issue(ctx context.Context, registry common.Address, in domain.IssueInput) (domain.IssueResult, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.Issue")
	defer span.End()

	if uc.repo == nil {
		return domain.IssueResult{}, domain.ErrUnsupported
	}
	result, err := uc.repo.Issue(ctx, registry, in)
	if err != nil {
		span.RecordError(err)
		return domain.IssueResult{}, err
	}
	uc.publish(ctx, result.Record)
	return result, nil
}

func (uc *RegistryUsecase) Transfer(ctx context.Context, registry common.Address, id uint64, caller, to common.Address) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.Transfer")
	defer span.End()

	if uc.repo == nil {
		return domain.LedgerRecord{}, domain.ErrUnsupported
	}
	record, err := uc.repo.Transfer(ctx, registry, id, caller, to)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}
	uc.publish(ctx, record)
	return record, nil
}

func (uc *RegistryUsecase) SetVerifier(ctx context.Context, registry, caller, identity common.Address, enabled bool) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.SetVerifier")
	defer span.End()

	if uc.repo == nil {
		return domain.LedgerRecord{}, domain.ErrUnsupported
	}
	record, err := uc.repo.SetVerifier(ctx, registry, caller, identity, enabled)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}
	uc.publish(ctx, record)
	return record, nil
}

func (uc *RegistryUsecase) SetPrice(ctx context.Context, registry, caller common.Address, price *big.Int) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.SetPrice")
	defer span.End()

	if uc.repo == nil {
		return domain.LedgerRecord{}, domain.ErrUnsupported
	}
	record, err := uc.repo.SetPrice(ctx, registry, caller, price)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}
	uc.publish(ctx, record)
	return record, nil
}

func (uc *RegistryUsecase) Withdraw(ctx context.Context, registry, caller common.Address) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Usecase.Withdraw")
	defer span.End()

	if uc.repo == nil {
		return domain.LedgerRecord{}, domain.ErrUnsupported
	}
	record, err := uc.repo.Withdraw(ctx, registry, caller)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, err
	}
	uc.publish(ctx, record)
	return record, nil
}

func (uc *RegistryUsecase) publish(ctx context.Context, record domain.LedgerRecord) {
	if uc.publisher == nil {
		return
	}
	if err := uc.publisher.Publish(ctx, record); err != nil {
		slog.WarnContext(
			ctx, "failed to publish ledger record",
			slog.String("error", err.Error()),
			slog.String("kind", record.Kind),
			slog.String("module", "registry"),
		)
	}
}
