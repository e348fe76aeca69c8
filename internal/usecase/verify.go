package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/internal/domain"
)

var tracer = otel.Tracer("usecase")

const (
	msgTooManyRequests = "Too many requests. Please try again later."
	msgRecentDuplicate = "This ticket was just verified. Please wait before scanning again."
	msgAlreadyUsed     = "This ticket has already been used for entry"
	msgNotExist        = "Ticket does not exist"
	msgNotValid        = "Ticket is not valid"
	msgUnavailable     = "Verification is temporarily unavailable. Please try again."
	msgGateNotAllowed  = "This gate is not authorized to mark tickets as used"
	msgUnknownRegistry = "Unknown contract address"
	msgValid           = "Ticket is valid"
	msgAdmitted        = "Ticket verified and marked as used"
)

type VerifyOption func(*VerifyUsecase)

// WithAllowedRegistries restricts verification to the given registries. An
// empty list allows every registry.
func WithAllowedRegistries(registries []common.Address) VerifyOption {
	return func(uc *VerifyUsecase) {
		if len(registries) == 0 {
			uc.allowed = nil
			return
		}
		uc.allowed = make(map[common.Address]bool, len(registries))
		for _, r := range registries {
			uc.allowed[r] = true
		}
	}
}

func WithRegistryTimeout(d time.Duration) VerifyOption {
	return func(uc *VerifyUsecase) {
		uc.registryTimeout = d
	}
}

// WithConsumeTimeout bounds the consume write. The write is detached from the
// request context, so this is the only bound it has.
func WithConsumeTimeout(d time.Duration) VerifyOption {
	return func(uc *VerifyUsecase) {
		uc.consumeTimeout = d
	}
}

func WithPublisher(publisher EventPublisher) VerifyOption {
	return func(uc *VerifyUsecase) {
		uc.publisher = publisher
	}
}

type VerifyUsecase struct {
	config          domain.Config
	verifier        common.Address
	registry        Registry
	limiter         RateLimiter
	guard           DuplicateGuard
	publisher       EventPublisher
	allowed         map[common.Address]bool
	registryTimeout time.Duration
	consumeTimeout  time.Duration
}

func NewVerifyUsecase(
	config domain.Config,
	registry Registry,
	limiter RateLimiter,
	guard DuplicateGuard,
	opts ...VerifyOption,
) *VerifyUsecase {
	uc := &VerifyUsecase{
		config:          config,
		verifier:        common.HexToAddress(config.Verifier),
		registry:        registry,
		limiter:         limiter,
		guard:           guard,
		registryTimeout: domain.DefaultRegistryTimeout * time.Second,
		consumeTimeout:  domain.DefaultConsumeTimeout * time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Verify turns a raw gate submission from client into a decision. An error is
// returned only for failures that cannot be classified into a deny reason.
func (uc *VerifyUsecase) Verify(ctx context.Context, client string, body []byte) (domain.Decision, error) {
	ctx, span := tracer.Start(ctx, "Verify.Usecase.Verify", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	decision, err := uc.verify(ctx, client, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unclassified verification error")
		slog.ErrorContext(
			ctx, "verification failed",
			slog.String("error", err.Error()),
			slog.String("client", client),
			slog.String("module", "verify"),
		)
		return decision, err
	}

	span.SetAttributes(
		attribute.Bool("admit", decision.Admit),
		attribute.String("reason", string(decision.Reason)),
	)

	credentialID := ""
	if decision.CredentialID != nil {
		credentialID = strconv.FormatUint(*decision.CredentialID, 10)
	}
	slog.InfoContext(
		ctx, "verification decision",
		slog.Bool("admit", decision.Admit),
		slog.String("reason", string(decision.Reason)),
		slog.String("registry", decision.Registry.Hex()),
		slog.String("tokenId", credentialID),
		slog.Bool("dryRun", decision.DryRun),
		slog.String("client", client),
		slog.String("module", "verify"),
	)

	return decision, nil
}

func (uc *VerifyUsecase) verify(ctx context.Context, client string, body []byte) (domain.Decision, error) {
	allowed, err := uc.limiter.Allow(ctx, client)
	if err != nil {
		slog.WarnContext(
			ctx, "rate limiter unavailable, allowing request",
			slog.String("error", err.Error()),
			slog.String("module", "verify"),
		)
	} else if !allowed {
		return domain.Deny(domain.DenyTooManyRequests, msgTooManyRequests), nil
	}

	req, err := ticketgate.DecodeVerifyRequest(body)
	if err != nil {
		var perr *ticketgate.PayloadError
		if errors.As(err, &perr) {
			return domain.Deny(domain.DenyInvalidSubmission, perr.Reason), nil
		}
		return domain.Decision{}, err
	}

	if req.ChainID != uc.config.ChainID {
		return domain.Deny(
			domain.DenyInvalidSubmission,
			fmt.Sprintf("Unsupported chain. Only %s (%d) is supported.", uc.config.ChainName, uc.config.ChainID),
		), nil
	}

	registry := common.HexToAddress(req.Registry)
	if uc.allowed != nil && !uc.allowed[registry] {
		return domain.Deny(domain.DenyInvalidSubmission, msgUnknownRegistry), nil
	}

	id, err := ticketgate.ParseCredentialID(req.CredentialID)
	if err != nil {
		return domain.Deny(domain.DenyInvalidSubmission, err.(*ticketgate.PayloadError).Reason), nil
	}

	guardKey := GuardKey(registry, id)
	seen, err := uc.guard.Seen(ctx, guardKey)
	if err != nil {
		slog.WarnContext(
			ctx, "duplicate guard unavailable, skipping",
			slog.String("error", err.Error()),
			slog.String("module", "verify"),
		)
	} else if seen {
		d := domain.Deny(domain.DenyRecentDuplicate, msgRecentDuplicate)
		d.Used = true
		return d.WithCredential(registry, id), nil
	}

	qctx, cancel := context.WithTimeout(ctx, uc.registryTimeout)
	state, err := uc.registry.Query(qctx, registry, id)
	cancel()
	if err != nil {
		return uc.denyFromRegistry(err, registry, id)
	}

	if state.Consumed {
		d := domain.Deny(domain.DenyAlreadyUsed, msgAlreadyUsed)
		d.Used = true
		return d.WithCredential(registry, id), nil
	}
	if !state.Valid() {
		return domain.Deny(domain.DenyNotValid, msgNotValid).WithCredential(registry, id), nil
	}

	mctx, cancel := context.WithTimeout(ctx, uc.registryTimeout)
	metadata, err := uc.registry.Metadata(mctx, registry)
	cancel()
	if err != nil {
		return uc.denyFromRegistry(err, registry, id)
	}

	admit := domain.Decision{
		Admit: true,
		Owner: state.Owner,
		Event: metadata,
	}.WithCredential(registry, id)

	if !req.MarkUsed {
		admit.DryRun = true
		admit.Message = msgValid
		return admit, nil
	}

	// a consume that reached the registry must complete even if the gate hangs up
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.consumeTimeout)
	defer cancel()
	record, err := uc.registry.Consume(cctx, registry, id, uc.verifier)
	if err != nil {
		return uc.denyFromRegistry(err, registry, id)
	}

	if err := uc.guard.Record(cctx, guardKey); err != nil {
		slog.WarnContext(
			ctx, "failed to record guard entry",
			slog.String("error", err.Error()),
			slog.String("module", "verify"),
		)
	}
	if uc.publisher != nil {
		if err := uc.publisher.Publish(cctx, record); err != nil {
			slog.WarnContext(
				ctx, "failed to publish consumption record",
				slog.String("error", err.Error()),
				slog.String("module", "verify"),
			)
		}
	}

	admit.Message = msgAdmitted
	return admit, nil
}

// denyFromRegistry maps a registry failure to its deny reason. Failures that fit
// no reason are returned as errors.
func (uc *VerifyUsecase) denyFromRegistry(err error, registry common.Address, id uint64) (domain.Decision, error) {
	var d domain.Decision
	switch {
	case errors.Is(err, domain.ErrTicketAlreadyUsed):
		d = domain.Deny(domain.DenyAlreadyUsed, msgAlreadyUsed)
		d.Used = true
	case errors.Is(err, domain.ErrNotAuthorizedVerifier):
		d = domain.Deny(domain.DenyGateNotAuthorized, msgGateNotAllowed)
	case errors.Is(err, domain.ErrCredentialNotFound):
		d = domain.Deny(domain.DenyNotValid, msgNotExist)
	case errors.Is(err, domain.ErrRegistryNotFound):
		d = domain.Deny(domain.DenyNotValid, msgNotValid)
	default:
		switch domain.Classify(err) {
		case domain.ClassTransient:
			d = domain.Deny(domain.DenyVerificationUnavailable, msgUnavailable)
		case domain.ClassClient, domain.ClassNotFound:
			d = domain.Deny(domain.DenyNotValid, msgNotValid)
		default:
			return domain.Decision{}, errors.Wrap(err, "Verify.Usecase.denyFromRegistry")
		}
	}
	return d.WithCredential(registry, id), nil
}

// GuardKey identifies one credential in the duplicate guard.
func GuardKey(registry common.Address, id uint64) string {
	return registry.Hex() + ":" + strconv.FormatUint(id, 10)
}
