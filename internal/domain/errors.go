package domain

import (
	"context"
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonCapacityExceeded      Reason = "CapacityExceeded"
	ReasonInsufficientPayment   Reason = "InsufficientPayment"
	ReasonCredentialNotFound    Reason = "CredentialNotFound"
	ReasonNotAuthorizedVerifier Reason = "NotAuthorizedVerifier"
	ReasonTicketAlreadyUsed     Reason = "TicketAlreadyUsed"
	ReasonNotAdministrator      Reason = "NotAdministrator"
	ReasonNotOwner              Reason = "NotOwner"
	ReasonRegistryNotFound      Reason = "RegistryNotFound"
	ReasonInvalidArgument       Reason = "InvalidArgument"
)

// RegistryError is a definitive failure reported by a registry.
type RegistryError struct {
	Reason Reason
	Detail string
}

func (e RegistryError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Is matches any RegistryError with the same reason.
func (e RegistryError) Is(target error) bool {
	switch t := target.(type) {
	case RegistryError:
		return t.Reason == e.Reason
	case *RegistryError:
		return t != nil && t.Reason == e.Reason
	}
	return false
}

var (
	ErrCapacityExceeded      = RegistryError{Reason: ReasonCapacityExceeded}
	ErrInsufficientPayment   = RegistryError{Reason: ReasonInsufficientPayment}
	ErrCredentialNotFound    = RegistryError{Reason: ReasonCredentialNotFound}
	ErrNotAuthorizedVerifier = RegistryError{Reason: ReasonNotAuthorizedVerifier}
	ErrTicketAlreadyUsed     = RegistryError{Reason: ReasonTicketAlreadyUsed}
	ErrNotAdministrator      = RegistryError{Reason: ReasonNotAdministrator}
	ErrNotOwner              = RegistryError{Reason: ReasonNotOwner}
	ErrRegistryNotFound      = RegistryError{Reason: ReasonRegistryNotFound}
	ErrInvalidArgument       = RegistryError{Reason: ReasonInvalidArgument}
)

func NewRegistryError(reason Reason, format string, args ...any) error {
	return RegistryError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ErrRegistryUnavailable marks transient infrastructure failures (unreachable, timed out).
var ErrRegistryUnavailable = errors.New("registry unavailable")

type unavailableError struct {
	cause error
}

func (e unavailableError) Error() string {
	return "registry unavailable: " + e.cause.Error()
}

func (e unavailableError) Unwrap() error {
	return e.cause
}

func (e unavailableError) Is(target error) bool {
	return target == ErrRegistryUnavailable
}

// Unavailable wraps err as a transient registry failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{cause: err}
}

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassClient
	ClassStateConflict
	ClassNotFound
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassClient:
		return "ClientError"
	case ClassStateConflict:
		return "StateConflict"
	case ClassNotFound:
		return "NotFound"
	case ClassTransient:
		return "TransientInfrastructureError"
	default:
		return "InternalError"
	}
}

func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrRegistryUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrTicketAlreadyUsed):
		return ClassStateConflict
	case errors.Is(err, ErrCredentialNotFound),
		errors.Is(err, ErrRegistryNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInsufficientPayment),
		errors.Is(err, ErrNotAuthorizedVerifier),
		errors.Is(err, ErrNotAdministrator),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrInvalidArgument):
		return ClassClient
	}
	return ClassInternal
}

// ErrUnsupported is returned for operations the configured registry backend does not offer.
var ErrUnsupported = errors.New("operation not supported by this registry backend")
