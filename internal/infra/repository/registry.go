package repository

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/infra/database/models"
	"github.com/totegamma/ticketgate/internal/usecase"
	"github.com/totegamma/ticketgate/schemas"
)

var tracer = otel.Tracer("repository")

// RegistryRepository keeps registries in postgres. Consumption is a conditional
// update on the consumed flag, so concurrent consumes of one credential race
// inside the database and exactly one of them changes a row.
type RegistryRepository struct {
	db    *gorm.DB
	clock clock.Clock
}

var _ usecase.RegistryAdmin = (*RegistryRepository)(nil)

func NewRegistryRepository(db *gorm.DB, clk clock.Clock) *RegistryRepository {
	return &RegistryRepository{db: db, clock: clk}
}

// dbError marks infrastructure failures as transient so callers deny by default.
func dbError(err error, op string) error {
	if _, ok := err.(domain.RegistryError); ok {
		return err
	}
	return domain.Unavailable(errors.Wrap(err, op))
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func toSummary(r models.Registry) domain.RegistrySummary {
	return domain.RegistrySummary{
		Address:       common.HexToAddress(r.Address),
		Administrator: common.HexToAddress(r.Administrator),
		Metadata: domain.EventMetadata{
			Name:        r.Name,
			Symbol:      r.Symbol,
			Venue:       r.Venue,
			StartsAt:    r.StartsAt,
			MetadataURI: r.MetadataURI,
		},
		Price:    parseAmount(r.Price),
		Capacity: uint64(r.Capacity),
		Issued:   uint64(r.Issued),
	}
}

func toRecord(m models.LedgerRecord) domain.LedgerRecord {
	rec := domain.LedgerRecord{
		ID:        m.ID,
		Registry:  common.HexToAddress(m.RegistryAddress),
		Kind:      m.Kind,
		Actor:     common.HexToAddress(m.Actor),
		Enabled:   m.Enabled,
		Timestamp: m.Timestamp,
	}
	if m.CredentialID != nil {
		id := uint64(*m.CredentialID)
		rec.CredentialID = &id
	}
	if m.Subject != nil {
		subject := common.HexToAddress(*m.Subject)
		rec.Subject = &subject
	}
	if m.Amount != nil {
		rec.Amount = parseAmount(*m.Amount)
	}
	return rec
}

func (r *RegistryRepository) appendRecord(tx *gorm.DB, rec domain.LedgerRecord) (domain.LedgerRecord, error) {
	rec.ID = uuid.NewString()
	rec.Timestamp = r.clock.Now()

	m := models.LedgerRecord{
		ID:              rec.ID,
		RegistryAddress: rec.Registry.Hex(),
		Kind:            rec.Kind,
		Actor:           rec.Actor.Hex(),
		Enabled:         rec.Enabled,
		Timestamp:       rec.Timestamp,
	}
	if rec.CredentialID != nil {
		id := int64(*rec.CredentialID)
		m.CredentialID = &id
	}
	if rec.Subject != nil {
		subject := rec.Subject.Hex()
		m.Subject = &subject
	}
	if rec.Amount != nil {
		amount := rec.Amount.String()
		m.Amount = &amount
	}

	if err := tx.Create(&m).Error; err != nil {
		return domain.LedgerRecord{}, err
	}
	return rec, nil
}

func (r *RegistryRepository) lockRegistry(tx *gorm.DB, address common.Address) (models.Registry, error) {
	var reg models.Registry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("address = ?", address.Hex()).
		Take(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reg, domain.NewRegistryError(domain.ReasonRegistryNotFound, "%s", address.Hex())
	}
	return reg, err
}

func (r *RegistryRepository) getRegistry(ctx context.Context, address common.Address) (models.Registry, error) {
	var reg models.Registry
	err := r.db.WithContext(ctx).Where("address = ?", address.Hex()).Take(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reg, domain.NewRegistryError(domain.ReasonRegistryNotFound, "%s", address.Hex())
	}
	return reg, err
}

// missingCredential tells a missing credential apart from a missing registry.
func (r *RegistryRepository) missingCredential(tx *gorm.DB, registry common.Address, id uint64) error {
	var count int64
	if err := tx.Model(&models.Registry{}).Where("address = ?", registry.Hex()).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.NewRegistryError(domain.ReasonRegistryNotFound, "%s", registry.Hex())
	}
	return domain.NewRegistryError(domain.ReasonCredentialNotFound, "credential %d", id)
}

func (r *RegistryRepository) Deploy(ctx context.Context, in domain.DeployInput) (domain.RegistrySummary, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Deploy")
	defer span.End()

	if in.Capacity == 0 {
		return domain.RegistrySummary{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "capacity must be positive")
	}
	if in.Administrator == (common.Address{}) {
		return domain.RegistrySummary{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "administrator is required")
	}
	price := new(big.Int)
	if in.Price != nil {
		if in.Price.Sign() < 0 {
			return domain.RegistrySummary{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "price must not be negative")
		}
		price.Set(in.Price)
	}

	var reg models.Registry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var nonce int64
		err := tx.Model(&models.Registry{}).
			Where("administrator = ?", in.Administrator.Hex()).
			Count(&nonce).Error
		if err != nil {
			return err
		}

		reg = models.Registry{
			Address:       crypto.CreateAddress(in.Administrator, uint64(nonce)).Hex(),
			Administrator: in.Administrator.Hex(),
			Nonce:         nonce,
			Name:          in.Metadata.Name,
			Symbol:        in.Metadata.Symbol,
			Venue:         in.Metadata.Venue,
			StartsAt:      in.Metadata.StartsAt,
			MetadataURI:   in.Metadata.MetadataURI,
			Capacity:      int64(in.Capacity),
			Price:         price.String(),
			Balance:       "0",
		}
		if err := tx.Create(&reg).Error; err != nil {
			return err
		}

		_, err = r.appendRecord(tx, domain.LedgerRecord{
			Registry: common.HexToAddress(reg.Address),
			Kind:     schemas.RegistryDeployed,
			Actor:    in.Administrator,
			Amount:   price,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.RegistrySummary{}, dbError(err, "Registry.Repository.Deploy")
	}

	return toSummary(reg), nil
}

func (r *RegistryRepository) Query(ctx context.Context, registry common.Address, id uint64) (domain.CredentialState, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Query")
	defer span.End()

	var cred models.Credential
	err := r.db.WithContext(ctx).
		Where("registry_address = ? AND token_id = ?", registry.Hex(), int64(id)).
		Take(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.missingCredential(r.db.WithContext(ctx), registry, id)
	}
	if err != nil {
		span.RecordError(err)
		return domain.CredentialState{}, dbError(err, "Registry.Repository.Query")
	}

	return domain.CredentialState{
		Exists:   true,
		Owner:    common.HexToAddress(cred.Owner),
		Consumed: cred.Consumed,
	}, nil
}

func (r *RegistryRepository) Consume(ctx context.Context, registry common.Address, id uint64, caller common.Address) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Consume")
	defer span.End()

	var rec domain.LedgerRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verifiers int64
		err := tx.Model(&models.Verifier{}).
			Where("registry_address = ? AND identity = ?", registry.Hex(), caller.Hex()).
			Count(&verifiers).Error
		if err != nil {
			return err
		}
		if verifiers == 0 {
			return domain.NewRegistryError(domain.ReasonNotAuthorizedVerifier, "%s", caller.Hex())
		}

		now := r.clock.Now()
		verifier := caller.Hex()
		result := tx.Model(&models.Credential{}).
			Where("registry_address = ? AND token_id = ? AND consumed = false", registry.Hex(), int64(id)).
			Updates(map[string]any{
				"consumed":    true,
				"consumed_by": verifier,
				"consumed_at": now,
			})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			var count int64
			err := tx.Model(&models.Credential{}).
				Where("registry_address = ? AND token_id = ?", registry.Hex(), int64(id)).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count == 0 {
				return r.missingCredential(tx, registry, id)
			}
			return domain.NewRegistryError(domain.ReasonTicketAlreadyUsed, "credential %d", id)
		}

		rec, err = r.appendRecord(tx, domain.LedgerRecord{
			Registry:     registry,
			Kind:         schemas.CredentialConsumed,
			CredentialID: &id,
			Actor:        caller,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, dbError(err, "Registry.Repository.Consume")
	}

	return rec, nil
}

func (r *RegistryRepository) Metadata(ctx context.Context, registry common.Address) (domain.EventMetadata, error) {
	summary, err := r.Summary(ctx, registry)
	if err != nil {
		return domain.EventMetadata{}, err
	}
	return summary.Metadata, nil
}

func (r *RegistryRepository) Summary(ctx context.Context, registry common.Address) (domain.RegistrySummary, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Summary")
	defer span.End()

	reg, err := r.getRegistry(ctx, registry)
	if err != nil {
		span.RecordError(err)
		return domain.RegistrySummary{}, dbError(err, "Registry.Repository.Summary")
	}
	return toSummary(reg), nil
}

func (r *RegistryRepository) Issue(ctx context.Context, registry common.Address, in domain.IssueInput) (domain.IssueResult, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Issue")
	defer span.End()

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

	var result domain.IssueResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reg, err := r.lockRegistry(tx, registry)
		if err != nil {
			return err
		}
		if reg.Issued >= reg.Capacity {
			return domain.NewRegistryError(domain.ReasonCapacityExceeded, "all %d credentials issued", reg.Capacity)
		}

		due := parseAmount(reg.Price)
		if in.Caller.Hex() == reg.Administrator {
			due.SetInt64(0)
		}
		if payment.Cmp(due) < 0 {
			return domain.NewRegistryError(domain.ReasonInsufficientPayment, "price is %s, paid %s", due, payment)
		}

		id := uint64(reg.Issued)
		err = tx.Create(&models.Credential{
			RegistryAddress: reg.Address,
			TokenID:         reg.Issued,
			Owner:           owner.Hex(),
		}).Error
		if err != nil {
			return err
		}

		balance := parseAmount(reg.Balance)
		balance.Add(balance, due)
		err = tx.Model(&reg).Updates(map[string]any{
			"issued":  reg.Issued + 1,
			"balance": balance.String(),
		}).Error
		if err != nil {
			return err
		}

		rec, err := r.appendRecord(tx, domain.LedgerRecord{
			Registry:     registry,
			Kind:         schemas.CredentialIssued,
			CredentialID: &id,
			Actor:        in.Caller,
			Subject:      &owner,
			Amount:       new(big.Int).Set(due),
		})
		if err != nil {
			return err
		}

		result = domain.IssueResult{
			CredentialID: id,
			Owner:        owner,
			Paid:         due,
			Refund:       new(big.Int).Sub(payment, due),
			Record:       rec,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.IssueResult{}, dbError(err, "Registry.Repository.Issue")
	}

	return result, nil
}

func (r *RegistryRepository) Transfer(ctx context.Context, registry common.Address, id uint64, caller, to common.Address) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Transfer")
	defer span.End()

	if to == (common.Address{}) {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "recipient must not be the zero address")
	}

	var rec domain.LedgerRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred models.Credential
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("registry_address = ? AND token_id = ?", registry.Hex(), int64(id)).
			Take(&cred).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.missingCredential(tx, registry, id)
		}
		if err != nil {
			return err
		}
		if cred.Owner != caller.Hex() {
			return domain.NewRegistryError(domain.ReasonNotOwner, "%s does not own credential %d", caller.Hex(), id)
		}

		err = tx.Model(&models.Credential{}).
			Where("registry_address = ? AND token_id = ?", registry.Hex(), int64(id)).
			Update("owner", to.Hex()).Error
		if err != nil {
			return err
		}

		rec, err = r.appendRecord(tx, domain.LedgerRecord{
			Registry:     registry,
			Kind:         schemas.CredentialTransferred,
			CredentialID: &id,
			Actor:        caller,
			Subject:      &to,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, dbError(err, "Registry.Repository.Transfer")
	}
	return rec, nil
}

// administer runs fn with the registry row locked, after checking caller is its administrator.
func (r *RegistryRepository) administer(ctx context.Context, registry, caller common.Address, op string, fn func(tx *gorm.DB, reg models.Registry) (domain.LedgerRecord, error)) (domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	var rec domain.LedgerRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reg, err := r.lockRegistry(tx, registry)
		if err != nil {
			return err
		}
		if reg.Administrator != caller.Hex() {
			return domain.ErrNotAdministrator
		}
		rec, err = fn(tx, reg)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.LedgerRecord{}, dbError(err, op)
	}
	return rec, nil
}

func (r *RegistryRepository) SetVerifier(ctx context.Context, registry, caller, identity common.Address, enabled bool) (domain.LedgerRecord, error) {
	return r.administer(ctx, registry, caller, "Registry.Repository.SetVerifier", func(tx *gorm.DB, reg models.Registry) (domain.LedgerRecord, error) {
		var err error
		if enabled {
			err = tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.Verifier{RegistryAddress: reg.Address, Identity: identity.Hex()}).Error
		} else {
			err = tx.Where("registry_address = ? AND identity = ?", reg.Address, identity.Hex()).
				Delete(&models.Verifier{}).Error
		}
		if err != nil {
			return domain.LedgerRecord{}, err
		}

		return r.appendRecord(tx, domain.LedgerRecord{
			Registry: registry,
			Kind:     schemas.VerifierChanged,
			Actor:    caller,
			Subject:  &identity,
			Enabled:  &enabled,
		})
	})
}

func (r *RegistryRepository) SetPrice(ctx context.Context, registry, caller common.Address, price *big.Int) (domain.LedgerRecord, error) {
	if price == nil || price.Sign() < 0 {
		return domain.LedgerRecord{}, domain.NewRegistryError(domain.ReasonInvalidArgument, "price must not be negative")
	}

	return r.administer(ctx, registry, caller, "Registry.Repository.SetPrice", func(tx *gorm.DB, reg models.Registry) (domain.LedgerRecord, error) {
		if err := tx.Model(&reg).Update("price", price.String()).Error; err != nil {
			return domain.LedgerRecord{}, err
		}
		return r.appendRecord(tx, domain.LedgerRecord{
			Registry: registry,
			Kind:     schemas.PriceChanged,
			Actor:    caller,
			Amount:   new(big.Int).Set(price),
		})
	})
}

func (r *RegistryRepository) Withdraw(ctx context.Context, registry, caller common.Address) (domain.LedgerRecord, error) {
	return r.administer(ctx, registry, caller, "Registry.Repository.Withdraw", func(tx *gorm.DB, reg models.Registry) (domain.LedgerRecord, error) {
		amount := parseAmount(reg.Balance)
		if err := tx.Model(&reg).Update("balance", "0").Error; err != nil {
			return domain.LedgerRecord{}, err
		}
		return r.appendRecord(tx, domain.LedgerRecord{
			Registry: registry,
			Kind:     schemas.FundsWithdrawn,
			Actor:    caller,
			Amount:   amount,
		})
	})
}

func (r *RegistryRepository) CredentialsOf(ctx context.Context, registry, owner common.Address) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.CredentialsOf")
	defer span.End()

	if _, err := r.getRegistry(ctx, registry); err != nil {
		span.RecordError(err)
		return nil, dbError(err, "Registry.Repository.CredentialsOf")
	}

	var tokenIDs []int64
	err := r.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("registry_address = ? AND owner = ?", registry.Hex(), owner.Hex()).
		Order("token_id ASC").
		Pluck("token_id", &tokenIDs).Error
	if err != nil {
		span.RecordError(err)
		return nil, dbError(err, "Registry.Repository.CredentialsOf")
	}

	ids := make([]uint64, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint64(id)
	}
	return ids, nil
}

// Records returns up to limit of the most recent records, oldest first.
func (r *RegistryRepository) Records(ctx context.Context, registry common.Address, limit int) ([]domain.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "Registry.Repository.Records")
	defer span.End()

	if _, err := r.getRegistry(ctx, registry); err != nil {
		span.RecordError(err)
		return nil, dbError(err, "Registry.Repository.Records")
	}

	query := r.db.WithContext(ctx).
		Where("registry_address = ?", registry.Hex()).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.LedgerRecord
	if err := query.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, dbError(err, "Registry.Repository.Records")
	}

	records := make([]domain.LedgerRecord, len(rows))
	for i, row := range rows {
		records[len(rows)-1-i] = toRecord(row)
	}
	return records, nil
}
