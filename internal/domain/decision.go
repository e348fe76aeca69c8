package domain

import (
	"github.com/ethereum/go-ethereum/common"
)

type DenyReason string

const (
	DenyTooManyRequests         DenyReason = "TooManyRequests"
	DenyInvalidSubmission       DenyReason = "InvalidSubmission"
	DenyRecentDuplicate         DenyReason = "RecentDuplicate"
	DenyAlreadyUsed             DenyReason = "AlreadyUsed"
	DenyNotValid                DenyReason = "NotValid"
	DenyVerificationUnavailable DenyReason = "VerificationUnavailable"
	DenyGateNotAuthorized       DenyReason = "GateNotAuthorized"
)

// Decision is the binary admit/deny outcome of one verification attempt.
type Decision struct {
	Admit        bool
	Reason       DenyReason
	Message      string
	Used         bool
	DryRun       bool
	Registry     common.Address
	CredentialID *uint64
	Owner        common.Address
	Event        EventMetadata
}

func Deny(reason DenyReason, message string) Decision {
	return Decision{Reason: reason, Message: message}
}

func (d Decision) WithCredential(registry common.Address, id uint64) Decision {
	d.Registry = registry
	d.CredentialID = &id
	return d
}
