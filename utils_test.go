package ticketgate

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testRegistry = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func TestDecodeVerifyRequest(t *testing.T) {
	req, err := DecodeVerifyRequest([]byte(`{"contract":"` + testRegistry + `","tokenId":"42","chainId":11155111,"markUsed":true}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.Registry != testRegistry || req.CredentialID != "42" || req.ChainID != 11155111 || !req.MarkUsed {
		t.Fatalf("unexpected request %+v", req)
	}

	req, err = DecodeVerifyRequest([]byte(`{"contract":"` + testRegistry + `","tokenId":"0","chainId":1}`))
	if err != nil {
		t.Fatalf("decode without markUsed failed: %v", err)
	}
	if req.MarkUsed {
		t.Fatalf("markUsed should default to false")
	}
}

func TestDecodeVerifyRequestRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"contract":`,
		"array":           `[1,2,3]`,
		"null":            `null`,
		"missing field":   `{"contract":"` + testRegistry + `","tokenId":"1"}`,
		"null field":      `{"contract":"` + testRegistry + `","tokenId":null,"chainId":1}`,
		"unknown field":   `{"contract":"` + testRegistry + `","tokenId":"1","chainId":1,"extra":true}`,
		"bad address":     `{"contract":"not-an-address","tokenId":"1","chainId":1}`,
		"no 0x prefix":    `{"contract":"5FbDB2315678afecb367f032d93F642f64180aa3","tokenId":"1","chainId":1}`,
		"alpha token":     `{"contract":"` + testRegistry + `","tokenId":"abc","chainId":1}`,
		"negative token":  `{"contract":"` + testRegistry + `","tokenId":"-1","chainId":1}`,
		"numeric token":   `{"contract":"` + testRegistry + `","tokenId":1,"chainId":1}`,
		"string chain":    `{"contract":"` + testRegistry + `","tokenId":"1","chainId":"1"}`,
		"fraction chain":  `{"contract":"` + testRegistry + `","tokenId":"1","chainId":1.5}`,
		"markUsed string": `{"contract":"` + testRegistry + `","tokenId":"1","chainId":1,"markUsed":"yes"}`,
		"trailing data":   `{"contract":"` + testRegistry + `","tokenId":"1","chainId":1} {}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeVerifyRequest([]byte(body))
			if err == nil {
				t.Fatalf("expected error for %s", body)
			}
			var perr *PayloadError
			if !errors.As(err, &perr) {
				t.Fatalf("expected PayloadError got %T", err)
			}
		})
	}
}

func TestDecodeScanPayloadRejectsMarkUsed(t *testing.T) {
	_, err := DecodeScanPayload([]byte(`{"contract":"` + testRegistry + `","tokenId":"1","chainId":1,"markUsed":true}`))
	if err == nil {
		t.Fatalf("scan payload must have exactly three fields")
	}
}

func TestScanPayloadRoundTrip(t *testing.T) {
	p := NewScanPayload(common.HexToAddress(testRegistry), 7, 11155111)
	encoded, err := EncodeScanPayload(p)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeScanPayload([]byte(encoded))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != p {
		t.Fatalf("expected %+v got %+v", p, decoded)
	}
}

func TestIsRegistryReference(t *testing.T) {
	if !IsRegistryReference(testRegistry) {
		t.Fatalf("expected %s to be accepted", testRegistry)
	}
	for _, s := range []string{"", "0x", "0x123", "0xZZbDB2315678afecb367f032d93F642f64180aa3", testRegistry + "00"} {
		if IsRegistryReference(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}
