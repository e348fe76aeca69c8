package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  fqdn: gate.example.com
  verifierKey: "0x`+testKey+`"
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	key, _ := crypto.HexToECDSA(testKey)
	if config.Gateway.Verifier != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("unexpected verifier %s", config.Gateway.Verifier)
	}
	if config.Gateway.ChainID != 11155111 || config.Gateway.Listen != ":8000" {
		t.Fatalf("unexpected gateway defaults %+v", config.Gateway)
	}
	if config.RateLimit.Limit != 30 || config.RateLimit.Window != 60 || config.RateLimit.Backend != "memory" {
		t.Fatalf("unexpected rate limit defaults %+v", config.RateLimit)
	}
	if config.Guard.Window != 5 || config.Registry.Backend != "memory" {
		t.Fatalf("unexpected defaults %+v %+v", config.Guard, config.Registry)
	}
	if config.Gateway.RegistryTimeoutDuration() != 3*time.Second {
		t.Fatalf("unexpected registry timeout %s", config.Gateway.RegistryTimeoutDuration())
	}

	d := config.Domain()
	if d.FQDN != "gate.example.com" || d.Verifier != config.Gateway.Verifier {
		t.Fatalf("unexpected domain config %+v", d)
	}
}

func TestLoadSeeds(t *testing.T) {
	path := writeConfig(t, `
gateway:
  verifierKey: `+testKey+`
  allowedRegistries:
    - "0x5FbDB2315678afecb367f032d93F642f64180aa3"
registry:
  backend: memory
  seeds:
    - administrator: "0x1000000000000000000000000000000000000001"
      name: Summer Fest
      venue: Main Hall
      startsAt: "2026-08-01T18:00:00Z"
      capacity: 100
      price: "10000000000000000"
      owners:
        - "0xa000000000000000000000000000000000000001"
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(config.Registry.Seeds) != 1 {
		t.Fatalf("expected one seed got %d", len(config.Registry.Seeds))
	}
	seed := config.Registry.Seeds[0]
	if seed.Capacity != 100 || len(seed.Owners) != 1 {
		t.Fatalf("unexpected seed %+v", seed)
	}
	if !seed.StartTime().Equal(time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start time %s", seed.StartTime())
	}
	if len(config.AllowedRegistries()) != 1 {
		t.Fatalf("expected one allowed registry")
	}
	if len(config.Gateway.TrustedProxyNets()) != 0 {
		t.Fatalf("expected no trusted proxies")
	}
}

func TestLoadTrustedProxies(t *testing.T) {
	path := writeConfig(t, `
gateway:
  verifierKey: `+testKey+`
  trustedProxies:
    - 10.0.0.0/8
    - "fd00::/8"
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	nets := config.Gateway.TrustedProxyNets()
	if len(nets) != 2 || nets[0].String() != "10.0.0.0/8" {
		t.Fatalf("unexpected proxies %v", nets)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"missing key":     "gateway:\n  fqdn: gate.example.com\n",
		"bad allowed":     "gateway:\n  verifierKey: " + testKey + "\n  allowedRegistries: [\"0x12\"]\n",
		"redis no addr":   "gateway:\n  verifierKey: " + testKey + "\nrateLimit:\n  backend: redis\n",
		"unknown backend": "gateway:\n  verifierKey: " + testKey + "\nregistry:\n  backend: sqlite\n",
		"eth no rpc":      "gateway:\n  verifierKey: " + testKey + "\nregistry:\n  backend: ethereum\n",
		"bad proxy":       "gateway:\n  verifierKey: " + testKey + "\n  trustedProxies: [\"10.0.0.1\"]\n",
	} {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
