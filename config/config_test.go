package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsieai/paygate/types"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
gateway:
  defaultTimeout: 10s
  submitTimeout: 20s
  confirmTimeout: 45s
  confirmPollInterval: 2s
  redeemAttempts: 5
  redeemBackoff: 3s
  logLevel: debug
  enableMetrics: true
networks:
  - network: solana-devnet
    rpcUrl: https://api.devnet.solana.com
    privateKey: base58key
  - network: sepolia
    rpcUrl: https://sepolia.example.org
    chainId: "11155111"
    privateKeyEnv: PAYGATE_EVM_KEY
    timeout: 15s
profileStore:
  type: memory
defaultProfile:
  identifier: agent-default
  tier: premium
  budgetLimit: "0.25"
  preference: avoid ETH
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Gateway.RedeemAttempts)
	assert.True(t, cfg.Gateway.EnableMetrics)
	require.Len(t, cfg.Networks, 2)
	assert.Equal(t, "solana-devnet", cfg.Networks[0].Network)
	assert.Equal(t, "PAYGATE_EVM_KEY", cfg.Networks[1].PrivateKeyEnv)
	require.NotNil(t, cfg.DefaultProfile)
	assert.Equal(t, "agent-default", cfg.DefaultProfile.Identifier)
}

func TestLoad_DefaultAddr(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway:\n  logLevel: info\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8402", cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not: a: mapping\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestToGatewayConfig(t *testing.T) {
	cfg := &Config{
		Gateway: GatewayConfig{
			DefaultTimeout: "10s",
			ConfirmTimeout: "1m",
			RedeemAttempts: 4,
			LogLevel:       "warn",
		},
		DefaultProfile: &ProfileConfig{
			Identifier:  "agent-default",
			BudgetLimit: "0.5",
		},
	}

	out, err := cfg.ToGatewayConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, out.DefaultTimeout)
	assert.Equal(t, time.Minute, out.ConfirmTimeout)
	assert.Zero(t, out.SubmitTimeout)
	assert.Equal(t, 4, out.RedeemAttempts)
	assert.Equal(t, "warn", out.LogLevel)
	require.NotNil(t, out.DefaultProfile)
	assert.True(t, out.DefaultProfile.BudgetLimit.Equal(decimal.RequireFromString("0.5")))
}

func TestToGatewayConfig_BadDuration(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{SubmitTimeout: "soon"}}
	_, err := cfg.ToGatewayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.submitTimeout")
}

func TestToBackendConfig(t *testing.T) {
	network, backend, err := NetworkConfig{
		Network:    "sepolia",
		RPCUrl:     "https://sepolia.example.org",
		ChainID:    "11155111",
		PrivateKey: "deadbeef",
		Asset:      "ETH",
		Timeout:    "15s",
	}.ToBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, types.NetworkSepolia, network)
	assert.Equal(t, "deadbeef", backend.PrivateKey)
	assert.Equal(t, "11155111", backend.ChainID)
	assert.Equal(t, 15*time.Second, backend.Timeout)
}

func TestToBackendConfig_KeyFromEnv(t *testing.T) {
	t.Setenv("PAYGATE_TEST_KEY", "base58key")

	_, backend, err := NetworkConfig{
		Network:       "solana-devnet",
		RPCUrl:        "https://api.devnet.solana.com",
		PrivateKeyEnv: "PAYGATE_TEST_KEY",
	}.ToBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, "base58key", backend.PrivateKey)
}

func TestToBackendConfig_EmptyEnv(t *testing.T) {
	t.Setenv("PAYGATE_TEST_KEY", "")

	_, _, err := NetworkConfig{
		Network:       "solana-devnet",
		PrivateKeyEnv: "PAYGATE_TEST_KEY",
	}.ToBackendConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYGATE_TEST_KEY")
}

func TestToBackendConfig_NoKey(t *testing.T) {
	_, _, err := NetworkConfig{Network: "solana-devnet"}.ToBackendConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no private key")
}

func TestToBudgetProfile_BadLimit(t *testing.T) {
	_, err := ProfileConfig{Identifier: "a", BudgetLimit: "lots"}.ToBudgetProfile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budgetLimit")
}

func TestBuildProfileStore(t *testing.T) {
	store, err := (&Config{}).BuildProfileStore()
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

func TestBuildProfileStore_RedisRequiresAddr(t *testing.T) {
	cfg := &Config{ProfileStore: ProfileStoreConfig{Type: "redis"}}
	_, err := cfg.BuildProfileStore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestBuildProfileStore_UnknownType(t *testing.T) {
	cfg := &Config{ProfileStore: ProfileStoreConfig{Type: "etcd"}}
	_, err := cfg.BuildProfileStore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile store type")
}
