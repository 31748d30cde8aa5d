package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relayer.config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesPlaceholders(t *testing.T) {
	os.Setenv("TEST_RPC_URL", "https://rpc.example/v1")
	defer os.Unsetenv("TEST_RPC_URL")

	path := writeConfig(t, `{
		"chains": [{"name":"A","chainId":1,"rpcEndpoint":"${TEST_RPC_URL}","privateKey":"${PRIVATE_KEY}","pollIntervalMs":1000,"confirmations":3,"gasMultiplier":1.1}],
		"contracts": [],
		"eventMappings": [],
		"destinationResolvers": {},
		"proofApi": {"baseUrl":"${MISSING_URL:https://default.example}","timeout_ms":5000,"retryAttempts":3},
		"database": {"path":"postgres://x"},
		"logging": {"level":"info","enableFileLogging":false}
	}`)

	cfg, err := Load(path, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chains[0].RPCEndpoint != "https://rpc.example/v1" {
		t.Errorf("RPCEndpoint = %q", cfg.Chains[0].RPCEndpoint)
	}
	if cfg.ProofAPI.BaseURL != "https://default.example" {
		t.Errorf("BaseURL = %q, want default applied", cfg.ProofAPI.BaseURL)
	}
}

func TestLoadPrivateKeyDefaultsToZeroed(t *testing.T) {
	os.Unsetenv("PRIVATE_KEY")

	path := writeConfig(t, `{
		"chains": [{"name":"A","chainId":1,"rpcEndpoint":"x","privateKey":"${PRIVATE_KEY}","pollIntervalMs":1000,"confirmations":3,"gasMultiplier":1.1}],
		"contracts": [], "eventMappings": [], "destinationResolvers": {},
		"proofApi": {"baseUrl":"x","timeout_ms":1,"retryAttempts":1},
		"database": {"path":"x"}, "logging": {"level":"info"}
	}`)

	cfg, err := Load(path, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := "0x" + strings.Repeat("0", 64)
	if cfg.Chains[0].PrivateKey != want {
		t.Errorf("PrivateKey = %q, want %q", cfg.Chains[0].PrivateKey, want)
	}
}

func TestLoadPrivateKeyFromEnvGetsHexPrefix(t *testing.T) {
	os.Setenv("PRIVATE_KEY", "abc123")
	defer os.Unsetenv("PRIVATE_KEY")

	path := writeConfig(t, `{
		"chains": [{"name":"A","chainId":1,"rpcEndpoint":"x","privateKey":"${PRIVATE_KEY}","pollIntervalMs":1000,"confirmations":3,"gasMultiplier":1.1}],
		"contracts": [], "eventMappings": [], "destinationResolvers": {},
		"proofApi": {"baseUrl":"x","timeout_ms":1,"retryAttempts":1},
		"database": {"path":"x"}, "logging": {"level":"info"}
	}`)

	cfg, err := Load(path, log.New(os.Stderr, "", 0))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chains[0].PrivateKey != "0xabc123" {
		t.Errorf("PrivateKey = %q, want 0xabc123", cfg.Chains[0].PrivateKey)
	}
}
