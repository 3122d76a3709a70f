// Package config loads the YAML configuration of the paygate service and
// converts it to the runtime types of the library.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/newsieai/paygate/profile"
	"github.com/newsieai/paygate/types"
)

type Config struct {
	Server         ServerConfig       `yaml:"server"`
	Gateway        GatewayConfig      `yaml:"gateway"`
	Networks       []NetworkConfig    `yaml:"networks"`
	ProfileStore   ProfileStoreConfig `yaml:"profileStore"`
	DefaultProfile *ProfileConfig     `yaml:"defaultProfile"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type GatewayConfig struct {
	DefaultTimeout      string `yaml:"defaultTimeout"`
	SubmitTimeout       string `yaml:"submitTimeout"`
	ConfirmTimeout      string `yaml:"confirmTimeout"`
	ConfirmPollInterval string `yaml:"confirmPollInterval"`
	RedeemAttempts      int    `yaml:"redeemAttempts"`
	RedeemBackoff       string `yaml:"redeemBackoff"`
	LogLevel            string `yaml:"logLevel"`
	EnableMetrics       bool   `yaml:"enableMetrics"`
}

type NetworkConfig struct {
	Network string `yaml:"network"`
	RPCUrl  string `yaml:"rpcUrl"`
	ChainID string `yaml:"chainId"`

	// PrivateKey inline, or PrivateKeyEnv naming the environment variable
	// that holds it. The env form keeps keys out of config files.
	PrivateKey    string `yaml:"privateKey"`
	PrivateKeyEnv string `yaml:"privateKeyEnv"`

	Asset    string `yaml:"asset"`
	Decimals int32  `yaml:"decimals"`
	Timeout  string `yaml:"timeout"`
}

type ProfileStoreConfig struct {
	// Type selects the store backend: "memory" (default) or "redis".
	Type  string           `yaml:"type"`
	Redis RedisStoreConfig `yaml:"redis"`
}

type RedisStoreConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
	TTL       string `yaml:"ttl"`
}

type ProfileConfig struct {
	Identifier  string `yaml:"identifier"`
	Tier        string `yaml:"tier"`
	BudgetLimit string `yaml:"budgetLimit"`
	Preference  string `yaml:"preference"`
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8402"
	}
	return &cfg, nil
}

// ToGatewayConfig converts the gateway section to the library configuration.
// Unset fields stay zero and take the library defaults.
func (c *Config) ToGatewayConfig() (*types.Config, error) {
	out := &types.Config{
		RedeemAttempts: c.Gateway.RedeemAttempts,
		LogLevel:       c.Gateway.LogLevel,
		EnableMetrics:  c.Gateway.EnableMetrics,
	}

	var err error
	if out.DefaultTimeout, err = parseDuration("gateway.defaultTimeout", c.Gateway.DefaultTimeout); err != nil {
		return nil, err
	}
	if out.SubmitTimeout, err = parseDuration("gateway.submitTimeout", c.Gateway.SubmitTimeout); err != nil {
		return nil, err
	}
	if out.ConfirmTimeout, err = parseDuration("gateway.confirmTimeout", c.Gateway.ConfirmTimeout); err != nil {
		return nil, err
	}
	if out.ConfirmPollInterval, err = parseDuration("gateway.confirmPollInterval", c.Gateway.ConfirmPollInterval); err != nil {
		return nil, err
	}
	if out.RedeemBackoff, err = parseDuration("gateway.redeemBackoff", c.Gateway.RedeemBackoff); err != nil {
		return nil, err
	}

	if c.DefaultProfile != nil {
		prof, err := c.DefaultProfile.ToBudgetProfile()
		if err != nil {
			return nil, err
		}
		out.DefaultProfile = prof
	}

	return out, nil
}

// ToBackendConfig resolves one network entry, reading the private key from
// the environment when configured that way.
func (n NetworkConfig) ToBackendConfig() (types.Network, types.BackendConfig, error) {
	network := types.Network(n.Network)

	key := n.PrivateKey
	if key == "" && n.PrivateKeyEnv != "" {
		key = os.Getenv(n.PrivateKeyEnv)
		if key == "" {
			return "", types.BackendConfig{}, fmt.Errorf(
				"network %s: environment variable %s is empty", n.Network, n.PrivateKeyEnv)
		}
	}
	if key == "" {
		return "", types.BackendConfig{}, fmt.Errorf("network %s: no private key configured", n.Network)
	}

	timeout, err := parseDuration(fmt.Sprintf("network %s timeout", n.Network), n.Timeout)
	if err != nil {
		return "", types.BackendConfig{}, err
	}

	return network, types.BackendConfig{
		Network:    network,
		RPCUrl:     n.RPCUrl,
		ChainID:    n.ChainID,
		PrivateKey: key,
		Asset:      n.Asset,
		Decimals:   n.Decimals,
		Timeout:    timeout,
	}, nil
}

// ToBudgetProfile converts a profile entry.
func (p ProfileConfig) ToBudgetProfile() (*types.BudgetProfile, error) {
	limit, err := decimal.NewFromString(p.BudgetLimit)
	if err != nil {
		return nil, fmt.Errorf("profile %s: invalid budgetLimit %q: %w", p.Identifier, p.BudgetLimit, err)
	}
	prof := &types.BudgetProfile{
		Identifier:  p.Identifier,
		Tier:        types.Tier(p.Tier),
		BudgetLimit: limit,
		Preference:  p.Preference,
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

// BuildProfileStore creates the configured profile store.
func (c *Config) BuildProfileStore() (profile.Store, error) {
	switch c.ProfileStore.Type {
	case "redis":
		if c.ProfileStore.Redis.Addr == "" {
			return nil, fmt.Errorf("profileStore.redis.addr is required when type=redis")
		}
		ttl, err := parseDuration("profileStore.redis.ttl", c.ProfileStore.Redis.TTL)
		if err != nil {
			return nil, err
		}
		return profile.NewRedisStore(profile.RedisConfig{
			Addr:      c.ProfileStore.Redis.Addr,
			Password:  c.ProfileStore.Redis.Password,
			DB:        c.ProfileStore.Redis.DB,
			KeyPrefix: c.ProfileStore.Redis.KeyPrefix,
			TTL:       ttl,
		})

	case "memory", "":
		return profile.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown profile store type: %s", c.ProfileStore.Type)
	}
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	return d, nil
}
