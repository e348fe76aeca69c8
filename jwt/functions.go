package jwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const Algorithm = "ES256K-R"

// Create signs claims with a hex encoded secp256k1 private key.
func Create(claims Claims, privatekey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privatekey, "0x"))
	if err != nil {
		return "", err
	}

	header := Header{
		Type:      "JWT",
		Algorithm: Algorithm,
		KeyID:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
	headerStr, err := json.Marshal(header)
	if err != nil {
		return "", err
	}

	payloadStr, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerStr)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadStr)
	target := headerB64 + "." + payloadB64

	signatureBytes, err := crypto.Sign(crypto.Keccak256([]byte(target)), key)
	if err != nil {
		return "", err
	}
	signatureB64 := base64.RawURLEncoding.EncodeToString(signatureBytes)

	return target + "." + signatureB64, nil
}

// Validate checks that the jwt is not expired and was signed by the address in
// its key id (or issuer when no key id is set).
func Validate(jwt string) (*Header, *Claims, error) {

	split := strings.Split(jwt, ".")
	if len(split) != 3 {
		return nil, nil, fmt.Errorf("invalid jwt format")
	}

	var header Header
	headerBytes, err := base64.RawURLEncoding.DecodeString(split[0])
	if err != nil {
		return nil, nil, err
	}
	err = json.Unmarshal(headerBytes, &header)
	if err != nil {
		return nil, nil, err
	}

	// check jwt type
	if header.Type != "JWT" || header.Algorithm != Algorithm {
		return nil, nil, fmt.Errorf("unsupported jwt type")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(split[1])
	if err != nil {
		return nil, nil, err
	}

	var claims Claims
	err = json.Unmarshal(payloadBytes, &claims)
	if err != nil {
		return nil, nil, err
	}

	// check exp
	if claims.ExpirationTime != "" {
		exp, err := strconv.ParseInt(claims.ExpirationTime, 10, 64)
		if err != nil {
			return nil, nil, err
		}
		now := time.Now().Unix()
		if exp < now {
			return nil, nil, fmt.Errorf("jwt is already expired")
		}
	}

	// check signature
	signatureBytes, err := base64.RawURLEncoding.DecodeString(split[2])
	if err != nil {
		return nil, nil, err
	}
	if len(signatureBytes) != crypto.SignatureLength {
		return nil, nil, fmt.Errorf("invalid signature length")
	}

	keyID := header.KeyID
	if keyID == "" {
		keyID = claims.Issuer
	}
	if !common.IsHexAddress(keyID) {
		return nil, nil, fmt.Errorf("invalid key id")
	}

	pub, err := crypto.SigToPub(crypto.Keccak256([]byte(split[0]+"."+split[1])), signatureBytes)
	if err != nil {
		return nil, nil, err
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(keyID) {
		return nil, nil, fmt.Errorf("signature does not match key id")
	}

	// all checks passed
	return &header, &claims, nil
}
