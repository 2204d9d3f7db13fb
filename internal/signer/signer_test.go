package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	hardhatKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNewLocalDerivesAddress(t *testing.T) {
	s, err := NewLocal(hardhatKey)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if got := s.Address().Hex(); got != hardhatAddr {
		t.Fatalf("address = %s, want %s", got, hardhatAddr)
	}

	// 0x prefix and surrounding whitespace are accepted.
	s2, err := NewLocal("  0x" + hardhatKey + "\n")
	if err != nil {
		t.Fatalf("NewLocal with prefix: %v", err)
	}
	if s2.Address() != s.Address() {
		t.Fatalf("prefixed key derived a different address")
	}
}

func TestNewLocalRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "  ", "0x", "zz", "deadbeef"} {
		if _, err := NewLocal(key); err == nil {
			t.Fatalf("NewLocal(%q) succeeded, want error", key)
		}
	}
}

func TestSignTxRecoversTreasuryAddress(t *testing.T) {
	s, err := NewLocal(hardhatKey)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1e18),
	})

	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("recovered sender %s, want %s", sender.Hex(), s.Address().Hex())
	}
}

func TestSignTxRequiresChainID(t *testing.T) {
	s, err := NewLocal(hardhatKey)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	tx := types.NewTx(&types.LegacyTx{Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(1)})
	if _, err := s.SignTx(tx, nil); err == nil {
		t.Fatalf("SignTx with nil chain id succeeded, want error")
	}
}
