package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/internal/domain"
)

type Config struct {
	Gateway   Gateway   `yaml:"gateway"`
	RateLimit RateLimit `yaml:"rateLimit"`
	Guard     Guard     `yaml:"guard"`
	Registry  Registry  `yaml:"registry"`
	Server    Server    `yaml:"server"`
}

type Gateway struct {
	FQDN              string   `yaml:"fqdn"`
	Listen            string   `yaml:"listen"`
	ChainID           uint64   `yaml:"chainID"`
	ChainName         string   `yaml:"chainName"`
	VerifierKey       string   `yaml:"verifierKey"`
	AllowedRegistries []string `yaml:"allowedRegistries"`
	RegistryTimeout   int      `yaml:"registryTimeout"` // seconds
	ConsumeTimeout    int      `yaml:"consumeTimeout"`  // seconds
	MaxBodyBytes      int64    `yaml:"maxBodyBytes"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trustedProxies"`

	// ---
	Verifier string `yaml:"-"`
}

type RateLimit struct {
	Limit   int    `yaml:"limit"`
	Window  int    `yaml:"window"`  // seconds
	Backend string `yaml:"backend"` // memory, redis
}

type Guard struct {
	Window  int    `yaml:"window"`  // seconds
	Backend string `yaml:"backend"` // memory, memcached
}

type Registry struct {
	Backend string `yaml:"backend"` // memory, postgres, ethereum
	RPCURL  string `yaml:"rpcURL"`
	Seeds   []Seed `yaml:"seeds"`
}

// Seed is a registry created at startup by the memory backend.
type Seed struct {
	Administrator string   `yaml:"administrator"`
	Name          string   `yaml:"name"`
	Symbol        string   `yaml:"symbol"`
	Venue         string   `yaml:"venue"`
	StartsAt      string   `yaml:"startsAt"` // RFC 3339
	MetadataURI   string   `yaml:"metadataURI"`
	Capacity      uint64   `yaml:"capacity"`
	Price         string   `yaml:"price"`
	Owners        []string `yaml:"owners"`
}

type Server struct {
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return Config{}, err
	}

	key, err := crypto.HexToECDSA(trimHex(config.Gateway.VerifierKey))
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid gateway.verifierKey")
	}
	config.Gateway.Verifier = crypto.PubkeyToAddress(key.PublicKey).Hex()

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8000"
	}
	if c.Gateway.ChainID == 0 {
		c.Gateway.ChainID = 11155111
	}
	if c.Gateway.ChainName == "" {
		c.Gateway.ChainName = "Sepolia"
	}
	if c.Gateway.RegistryTimeout <= 0 {
		c.Gateway.RegistryTimeout = domain.DefaultRegistryTimeout
	}
	if c.Gateway.ConsumeTimeout <= 0 {
		c.Gateway.ConsumeTimeout = domain.DefaultConsumeTimeout
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		c.Gateway.MaxBodyBytes = domain.DefaultMaxBodyBytes
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = domain.DefaultRateLimit
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = domain.DefaultRateWindowSec
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.Guard.Window <= 0 {
		c.Guard.Window = domain.DefaultGuardWindowSec
	}
	if c.Guard.Backend == "" {
		c.Guard.Backend = "memory"
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = "memory"
	}
}

func (c *Config) validate() error {
	if c.Gateway.VerifierKey == "" {
		return fmt.Errorf("gateway.verifierKey is required")
	}
	for _, r := range c.Gateway.AllowedRegistries {
		if !ticketgate.IsRegistryReference(r) {
			return fmt.Errorf("gateway.allowedRegistries: invalid address %q", r)
		}
	}
	for _, p := range c.Gateway.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("gateway.trustedProxies: invalid CIDR %q", p)
		}
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Server.RedisAddr == "" {
			return fmt.Errorf("rateLimit.backend redis requires server.redisAddr")
		}
	default:
		return fmt.Errorf("unknown rateLimit.backend %q", c.RateLimit.Backend)
	}

	switch c.Guard.Backend {
	case "memory":
	case "memcached":
		if c.Server.MemcachedAddr == "" {
			return fmt.Errorf("guard.backend memcached requires server.memcachedAddr")
		}
	default:
		return fmt.Errorf("unknown guard.backend %q", c.Guard.Backend)
	}

	switch c.Registry.Backend {
	case "memory":
		for i, seed := range c.Registry.Seeds {
			if !common.IsHexAddress(seed.Administrator) {
				return fmt.Errorf("registry.seeds[%d]: invalid administrator", i)
			}
			if seed.StartsAt != "" {
				if _, err := time.Parse(time.RFC3339, seed.StartsAt); err != nil {
					return fmt.Errorf("registry.seeds[%d]: invalid startsAt: %w", i, err)
				}
			}
			for _, owner := range seed.Owners {
				if !common.IsHexAddress(owner) {
					return fmt.Errorf("registry.seeds[%d]: invalid owner %q", i, owner)
				}
			}
		}
	case "postgres":
		if c.Server.PostgresDsn == "" {
			return fmt.Errorf("registry.backend postgres requires server.postgresDsn")
		}
	case "ethereum":
		if c.Registry.RPCURL == "" {
			return fmt.Errorf("registry.backend ethereum requires registry.rpcURL")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}
	return nil
}

// Domain is the identity the gateway presents to clients.
func (c Config) Domain() domain.Config {
	return domain.Config{
		FQDN:      c.Gateway.FQDN,
		ChainID:   c.Gateway.ChainID,
		ChainName: c.Gateway.ChainName,
		Verifier:  c.Gateway.Verifier,
	}
}

func (c Config) AllowedRegistries() []common.Address {
	out := make([]common.Address, len(c.Gateway.AllowedRegistries))
	for i, r := range c.Gateway.AllowedRegistries {
		out[i] = common.HexToAddress(r)
	}
	return out
}

// TrustedProxyNets is empty unless proxies are configured. Entries are
// checked by validate.
func (g Gateway) TrustedProxyNets() []*net.IPNet {
	var out []*net.IPNet
	for _, p := range g.TrustedProxies {
		if _, ipNet, err := net.ParseCIDR(p); err == nil {
			out = append(out, ipNet)
		}
	}
	return out
}

func (g Gateway) RegistryTimeoutDuration() time.Duration {
	return time.Duration(g.RegistryTimeout) * time.Second
}

func (g Gateway) ConsumeTimeoutDuration() time.Duration {
	return time.Duration(g.ConsumeTimeout) * time.Second
}

// StartTime is zero when unset.
func (s Seed) StartTime() time.Time {
	t, _ := time.Parse(time.RFC3339, s.StartsAt)
	return t
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
