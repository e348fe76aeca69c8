package domain

// Config is the identity the gateway presents to gate devices and to the registry.
type Config struct {
	FQDN      string `yaml:"fqdn"`
	ChainID   uint64 `yaml:"chainID"`
	ChainName string `yaml:"chainName"`
	Verifier  string `yaml:"verifier"`
}
