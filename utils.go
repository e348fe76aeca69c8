package ticketgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// PayloadError describes why a submission could not be decoded.
type PayloadError struct {
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const (
	fieldRegistry     = "contract"
	fieldCredentialID = "tokenId"
	fieldChainID      = "chainId"
	fieldMarkUsed     = "markUsed"
)

var payloadFields = []string{fieldRegistry, fieldCredentialID, fieldChainID}

// IsRegistryReference reports whether s is a 0x-prefixed 20 byte hex address.
func IsRegistryReference(s string) bool {
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return false
	}
	return common.IsHexAddress(s)
}

// ParseCredentialID parses a decimal credential id. Signs and whitespace are rejected.
func ParseCredentialID(s string) (uint64, error) {
	if s == "" {
		return 0, &PayloadError{Field: fieldCredentialID, Reason: "Invalid token ID"}
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &PayloadError{Field: fieldCredentialID, Reason: "Invalid token ID"}
	}
	return id, nil
}

// NewScanPayload builds the payload rendered into a credential's scannable code.
func NewScanPayload(registry common.Address, credentialID uint64, chainID uint64) ScanPayload {
	return ScanPayload{
		Registry:     registry.Hex(),
		CredentialID: strconv.FormatUint(credentialID, 10),
		ChainID:      chainID,
	}
}

func EncodeScanPayload(p ScanPayload) (string, error) {
	if !IsRegistryReference(p.Registry) {
		return "", &PayloadError{Field: fieldRegistry, Reason: "Invalid contract address format"}
	}
	if _, err := ParseCredentialID(p.CredentialID); err != nil {
		return "", err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeScanPayload decodes a scanned code. Exactly the three payload fields are accepted.
func DecodeScanPayload(data []byte) (ScanPayload, error) {
	fields, err := decodeStrict(data, payloadFields, nil)
	if err != nil {
		return ScanPayload{}, err
	}
	var p ScanPayload
	if err := decodePayloadFields(fields, &p.Registry, &p.CredentialID, &p.ChainID); err != nil {
		return ScanPayload{}, err
	}
	return p, nil
}

// DecodeVerifyRequest decodes a gate submission: the payload fields plus an optional markUsed.
func DecodeVerifyRequest(data []byte) (VerifyRequest, error) {
	fields, err := decodeStrict(data, payloadFields, []string{fieldMarkUsed})
	if err != nil {
		return VerifyRequest{}, err
	}
	var req VerifyRequest
	if err := decodePayloadFields(fields, &req.Registry, &req.CredentialID, &req.ChainID); err != nil {
		return VerifyRequest{}, err
	}
	if raw, ok := fields[fieldMarkUsed]; ok {
		if err := json.Unmarshal(raw, &req.MarkUsed); err != nil {
			return VerifyRequest{}, &PayloadError{Field: fieldMarkUsed, Reason: "must be a boolean"}
		}
	}
	return req, nil
}

func decodePayloadFields(fields map[string]json.RawMessage, registry, credentialID *string, chainID *uint64) error {
	if err := json.Unmarshal(fields[fieldRegistry], registry); err != nil || !IsRegistryReference(*registry) {
		return &PayloadError{Field: fieldRegistry, Reason: "Invalid contract address format"}
	}
	if err := json.Unmarshal(fields[fieldCredentialID], credentialID); err != nil {
		return &PayloadError{Field: fieldCredentialID, Reason: "Invalid token ID"}
	}
	if _, err := ParseCredentialID(*credentialID); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[fieldChainID], chainID); err != nil {
		return &PayloadError{Field: fieldChainID, Reason: "Invalid chain ID"}
	}
	return nil
}

func decodeStrict(data []byte, required, optional []string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, &PayloadError{Reason: "Invalid JSON in request body"}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &PayloadError{Reason: "Unexpected data after JSON object"}
	}
	if fields == nil {
		return nil, &PayloadError{Reason: "Request body must be a JSON object"}
	}

	allowed := make(map[string]bool, len(required)+len(optional))
	for _, name := range required {
		allowed[name] = true
	}
	for _, name := range optional {
		allowed[name] = true
	}

	unknown := []string{}
	for name := range fields {
		if !allowed[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &PayloadError{Reason: "Unknown fields: " + strings.Join(unknown, ", ")}
	}

	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return nil, &PayloadError{Reason: "Missing required fields: " + strings.Join(required, ", ")}
		}
	}

	return fields, nil
}
