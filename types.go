package ticketgate

import (
	"time"
)

// ScanPayload is the content of a credential's scannable code.
type ScanPayload struct {
	Registry     string `json:"contract"`
	CredentialID string `json:"tokenId"`
	ChainID      uint64 `json:"chainId"`
}

// VerifyRequest is submitted by gate devices. MarkUsed=false is a dry run.
type VerifyRequest struct {
	Registry     string `json:"contract"`
	CredentialID string `json:"tokenId"`
	ChainID      uint64 `json:"chainId"`
	MarkUsed     bool   `json:"markUsed,omitempty"`
}

// VerifyResponse is the gate-facing decision. Used is only set on denies.
type VerifyResponse struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	Owner        string `json:"owner,omitempty"`
	CredentialID string `json:"tokenId,omitempty"`
	EventName    string `json:"eventName,omitempty"`
	EventVenue   string `json:"eventVenue,omitempty"`
	DryRun       bool   `json:"dryRun,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	Used         *bool  `json:"used,omitempty"`
}

type Chain struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type Health struct {
	Status          string  `json:"status"`
	Message         string  `json:"message"`
	SupportedChains []Chain `json:"supportedChains"`
}

type Endpoint struct {
	Template string    `json:"template"`
	Method   string    `json:"method"`
	Query    *[]string `json:"query,omitempty"`
}

// WellKnown is served at /.well-known/ticketgate.
type WellKnown struct {
	Version   string              `json:"version"`
	Domain    string              `json:"domain"`
	ChainID   uint64              `json:"chainId"`
	Verifier  string              `json:"verifier"`
	Endpoints map[string]Endpoint `json:"endpoints"`
}

type RegistrySummary struct {
	Address       string    `json:"address"`
	Administrator string    `json:"administrator"`
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol,omitempty"`
	Venue         string    `json:"venue"`
	StartsAt      time.Time `json:"startsAt"`
	MetadataURI   string    `json:"metadataURI,omitempty"`
	Price         string    `json:"price"`
	Capacity      uint64    `json:"capacity"`
	Issued        uint64    `json:"issued"`
	Remaining     uint64    `json:"remaining"`
}

type CredentialState struct {
	Registry     string `json:"contract"`
	CredentialID string `json:"tokenId"`
	Exists       bool   `json:"exists"`
	Owner        string `json:"owner,omitempty"`
	Used         bool   `json:"used"`
}

type LedgerRecord struct {
	ID           string    `json:"id"`
	Registry     string    `json:"contract"`
	Kind         string    `json:"kind"`
	CredentialID *string   `json:"tokenId,omitempty"`
	Actor        string    `json:"actor"`
	Subject      string    `json:"subject,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Enabled      *bool     `json:"enabled,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type DeployRequest struct {
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol,omitempty"`
	Venue       string    `json:"venue"`
	StartsAt    time.Time `json:"startsAt"`
	MetadataURI string    `json:"metadataURI,omitempty"`
	Capacity    uint64    `json:"capacity"`
	Price       string    `json:"price"`
}

// IssueRequest mints a credential. Payment is a decimal amount; To defaults to the caller.
type IssueRequest struct {
	Payment string `json:"payment,omitempty"`
	To      string `json:"to,omitempty"`
}

type IssueResponse struct {
	CredentialID string      `json:"tokenId"`
	Owner        string      `json:"owner"`
	Paid         string      `json:"paid"`
	Refund       string      `json:"refund"`
	Payload      ScanPayload `json:"payload"`
}

type TransferRequest struct {
	To string `json:"to"`
}

type SetVerifierRequest struct {
	Enabled bool `json:"enabled"`
}

type SetPriceRequest struct {
	Price string `json:"price"`
}

type CredentialList struct {
	Registry    string   `json:"contract"`
	Owner       string   `json:"owner"`
	Credentials []string `json:"tokenIds"`
}
