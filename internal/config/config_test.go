package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Treasury.GasLimit != 21000 {
		t.Fatalf("gas limit = %d, want 21000", cfg.Treasury.GasLimit)
	}
	if cfg.ConfirmTimeout() != 120*time.Second {
		t.Fatalf("confirm timeout = %s, want 120s", cfg.ConfirmTimeout())
	}

	maxTransfer, err := cfg.MaxTransferWei()
	if err != nil {
		t.Fatalf("MaxTransferWei: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	if maxTransfer.Cmp(want) != 0 {
		t.Fatalf("max transfer = %s wei, want %s", maxTransfer, want)
	}

	feeBuffer, err := cfg.FeeBufferWei()
	if err != nil {
		t.Fatalf("FeeBufferWei: %v", err)
	}
	if feeBuffer.Cmp(big.NewInt(1e15)) != 0 {
		t.Fatalf("fee buffer = %s wei, want 1000000000000000", feeBuffer)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 8080
  log_level: debug
chain:
  rpc_url: http://localhost:8545
  poll_interval_seconds: 1
treasury:
  max_transfer_ether: "2.5"
  gas_price_multiplier: "1.2"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Chain.RPCURL != "http://localhost:8545" {
		t.Fatalf("rpc url = %q", cfg.Chain.RPCURL)
	}
	if cfg.PollInterval() != time.Second {
		t.Fatalf("poll interval = %s, want 1s", cfg.PollInterval())
	}

	maxTransfer, err := cfg.MaxTransferWei()
	if err != nil {
		t.Fatalf("MaxTransferWei: %v", err)
	}
	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	if maxTransfer.Cmp(want) != 0 {
		t.Fatalf("max transfer = %s wei, want %s", maxTransfer, want)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Treasury.GasLimit != 21000 {
		t.Fatalf("gas limit = %d, want default 21000", cfg.Treasury.GasLimit)
	}
	if cfg.Treasury.ConfirmTimeoutSeconds != 120 {
		t.Fatalf("confirm timeout = %d, want default 120", cfg.Treasury.ConfirmTimeoutSeconds)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad port":       "server:\n  port: -1\n",
		"bad cap":        "treasury:\n  max_transfer_ether: ten\n",
		"sub-wei buffer": "treasury:\n  fee_buffer_ether: \"0.0000000000000000001\"\n",
		"bad multiplier": "treasury:\n  gas_price_multiplier: fast\n",
		"malformed yaml": "server: [\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: Load succeeded, want error", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TREASURY_RPC_URL", "http://rpc.example:8545")
	t.Setenv("TREASURY_PRIVATE_KEY", "aa")
	t.Setenv("TREASURY_JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9999")

	cfg := Default()
	if cfg.Chain.RPCURL != "http://rpc.example:8545" {
		t.Fatalf("rpc url = %q", cfg.Chain.RPCURL)
	}
	if cfg.PrivateKey != "aa" {
		t.Fatalf("private key not taken from environment")
	}
	if cfg.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret not taken from environment")
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("port = %d, want 9999", cfg.Server.Port)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault(\"\"): %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("port = %d, want default 3000", cfg.Server.Port)
	}

	cfg, err = LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault(absent): %v", err)
	}
	if cfg == nil {
		t.Fatalf("nil config for absent file")
	}
}
