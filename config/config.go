package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for avgxd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	AdminToken    string          `yaml:"admin_token"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Sources       []Source        `yaml:"sources"`
	Baskets       BasketsConfig   `yaml:"baskets"`
	AMM           AMMConfig       `yaml:"amm"`
	Token         TokenConfig     `yaml:"token"`
	Vault         VaultConfig     `yaml:"vault"`
	Roles         []RoleGrant     `yaml:"roles"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// OracleConfig tunes the price routing layer.
type OracleConfig struct {
	MaxAge Duration     `yaml:"max_age"`
	Feeds  []FeedConfig `yaml:"feeds"`
}

// FeedConfig binds an asset to an upstream source handle.
type FeedConfig struct {
	Asset          string   `yaml:"asset"`
	Source         string   `yaml:"source"`
	Invert         bool     `yaml:"invert"`
	SourceDecimals uint8    `yaml:"source_decimals"`
	MaxAge         Duration `yaml:"max_age"`
}

// Source describes an upstream price source.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Timeout  Duration          `yaml:"timeout"`
	Assets   map[string]string `yaml:"assets"`
	Values   map[string]string `yaml:"values"`
}

// BasketsConfig seeds the fiat and crypto component lists.
type BasketsConfig struct {
	Fiat   []ComponentConfig `yaml:"fiat"`
	Crypto []ComponentConfig `yaml:"crypto"`
}

// ComponentConfig is one weighted basket member.
type ComponentConfig struct {
	Asset          string `yaml:"asset"`
	WeightBps      uint64 `yaml:"weight_bps"`
	SourceDecimals uint8  `yaml:"source_decimals"`
}

// AMMConfig seeds the engine parameters.
type AMMConfig struct {
	FeeBps       uint64 `yaml:"fee_bps"`
	SpreadBps    uint64 `yaml:"spread_bps"`
	FeeRecipient string `yaml:"fee_recipient"`
	Treasury     string `yaml:"treasury"`
	Authority    string `yaml:"authority"`
}

// TokenConfig describes the AVGX token.
type TokenConfig struct {
	Symbol    string `yaml:"symbol"`
	MaxSupply string `yaml:"max_supply"`
}

// VaultConfig describes the base asset vault.
type VaultConfig struct {
	Asset string `yaml:"asset"`
}

// RoleGrant assigns a role to an account address.
type RoleGrant struct {
	Role    string `yaml:"role"`
	Account string `yaml:"account"`
}

// TelemetryConfig tunes trace and metric export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/avgxd.sqlite"
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Token.Symbol == "" {
		cfg.Token.Symbol = "AVGX"
	}
	if cfg.Vault.Asset == "" {
		cfg.Vault.Asset = "ZNHB"
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Timeout.Duration == 0 {
			cfg.Sources[i].Timeout.Duration = 10 * time.Second
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one price source must be configured")
	}
	for _, source := range cfg.Sources {
		if strings.TrimSpace(source.Name) == "" {
			return fmt.Errorf("source name required")
		}
		switch strings.ToLower(strings.TrimSpace(source.Type)) {
		case "http", "static":
		default:
			return fmt.Errorf("unknown source type %q", source.Type)
		}
	}
	if cfg.AMM.FeeBps > 10000 {
		return fmt.Errorf("amm fee_bps out of range: %d", cfg.AMM.FeeBps)
	}
	if cfg.AMM.SpreadBps > 10000 {
		return fmt.Errorf("amm spread_bps out of range: %d", cfg.AMM.SpreadBps)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"fee_recipient", cfg.AMM.FeeRecipient},
		{"treasury", cfg.AMM.Treasury},
		{"authority", cfg.AMM.Authority},
	} {
		if !ethcommon.IsHexAddress(field.value) {
			return fmt.Errorf("amm %s must be a hex address", field.name)
		}
		if ethcommon.HexToAddress(field.value) == (ethcommon.Address{}) {
			return fmt.Errorf("amm %s must not be the zero address", field.name)
		}
	}
	for _, grant := range cfg.Roles {
		if strings.TrimSpace(grant.Role) == "" {
			return fmt.Errorf("role name required")
		}
		if !ethcommon.IsHexAddress(grant.Account) {
			return fmt.Errorf("role %s account must be a hex address", grant.Role)
		}
	}
	if err := validateBasket("fiat", cfg.Baskets.Fiat); err != nil {
		return err
	}
	return validateBasket("crypto", cfg.Baskets.Crypto)
}

func validateBasket(name string, components []ComponentConfig) error {
	if len(components) == 0 {
		return nil
	}
	total := uint64(0)
	seen := make(map[string]bool, len(components))
	for _, component := range components {
		asset := strings.ToUpper(strings.TrimSpace(component.Asset))
		if asset == "" {
			return fmt.Errorf("%s basket component asset required", name)
		}
		if seen[asset] {
			return fmt.Errorf("%s basket component %s duplicated", name, asset)
		}
		seen[asset] = true
		if component.WeightBps > 10000 {
			return fmt.Errorf("%s basket component %s weight out of range", name, asset)
		}
		total += component.WeightBps
	}
	if total != 10000 {
		return fmt.Errorf("%s basket weights must total 10000 bps, got %d", name, total)
	}
	return nil
}
