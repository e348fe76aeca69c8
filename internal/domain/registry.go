package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventMetadata is fixed when a registry is created.
type EventMetadata struct {
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol,omitempty"`
	Venue       string    `json:"venue"`
	StartsAt    time.Time `json:"startsAt"`
	MetadataURI string    `json:"metadataURI,omitempty"`
}

// Credential is one issued ticket. Consumed is monotonic false -> true.
type Credential struct {
	ID       uint64         `json:"id"`
	Owner    common.Address `json:"owner"`
	Consumed bool           `json:"consumed"`
}

// CredentialState is the authoritative answer to a registry query.
type CredentialState struct {
	Exists   bool
	Owner    common.Address
	Consumed bool
	// Invalid is set when the registry rejects an unconsumed credential.
	Invalid bool
}

// Valid reports admission validity: issued, not consumed and not rejected.
func (s CredentialState) Valid() bool {
	return s.Exists && !s.Consumed && !s.Invalid
}

type RegistrySummary struct {
	Address       common.Address
	Administrator common.Address
	Metadata      EventMetadata
	Price         *big.Int
	Capacity      uint64
	Issued        uint64
}

func (s RegistrySummary) Remaining() uint64 {
	if s.Issued >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Issued
}

type DeployInput struct {
	Administrator common.Address
	Metadata      EventMetadata
	Capacity      uint64
	Price         *big.Int
}

type IssueInput struct {
	Caller  common.Address
	Payment *big.Int
	// To overrides the owner; the caller owns the credential when nil.
	To *common.Address
}

type IssueResult struct {
	CredentialID uint64
	Owner        common.Address
	Paid         *big.Int
	Refund       *big.Int
	Record       LedgerRecord
}

// LedgerRecord is an audit entry emitted by a registry mutation.
type LedgerRecord struct {
	ID           string
	Registry     common.Address
	Kind         string
	CredentialID *uint64
	Actor        common.Address
	Subject      *common.Address
	Amount       *big.Int
	Enabled      *bool
	Timestamp    time.Time
}
