package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/jwt"
)

var tracer = otel.Tracer("auth")

const TokenSubject = "ticketgate"

type AuthService struct {
	config domain.Config
}

func NewAuthService(config domain.Config) *AuthService {
	return &AuthService{
		config: config,
	}
}

type AuthResult struct {
	Requester common.Address
}

func (s *AuthService) AuthJwt(ctx context.Context, token string) (*AuthResult, error) {
	_, span := tracer.Start(ctx, "Auth.Service.AuthJwt")
	defer span.End()

	header, claims, err := jwt.Validate(token)
	if err != nil {
		span.RecordError(errors.Wrap(err, "jwt validation failed"))
		return nil, err
	}

	// jwt.Validate only checks exp when present
	if claims.ExpirationTime == "" {
		err := fmt.Errorf("jwt has no expiration")
		span.RecordError(err)
		return nil, err
	}

	if claims.Audience != s.config.FQDN {
		err := fmt.Errorf("jwt audience mismatch: expected %s, got %s", s.config.FQDN, claims.Audience)
		span.RecordError(err)
		return nil, err
	}

	if claims.Subject != TokenSubject {
		err := fmt.Errorf("invalid subject")
		span.RecordError(err)
		return nil, err
	}

	keyID := header.KeyID
	if keyID == "" {
		keyID = claims.Issuer
	}
	if claims.Issuer != "" && !common.IsHexAddress(claims.Issuer) {
		err := fmt.Errorf("invalid issuer")
		span.RecordError(err)
		return nil, err
	}
	if claims.Issuer != "" && common.HexToAddress(claims.Issuer) != common.HexToAddress(keyID) {
		err := fmt.Errorf("issuer does not match signing key")
		span.RecordError(err)
		return nil, err
	}

	return &AuthResult{Requester: common.HexToAddress(keyID)}, nil
}
