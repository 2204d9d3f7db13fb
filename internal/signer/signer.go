// Package signer holds treasury key material and signs outgoing transactions.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of the treasury account.
type Signer interface {
	// Address returns the treasury account address.
	Address() common.Address

	// SignTx signs the transaction for the given chain.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Local signs with an in-process secp256k1 key. The key is parsed once at
// construction and never exposed or logged.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal creates a Local signer from a hex-encoded private key, with or
// without a 0x prefix.
func NewLocal(hexKey string) (*Local, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("treasury private key not configured")
	}

	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse treasury private key: %w", err)
	}

	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the treasury account address.
func (s *Local) Address() common.Address {
	return s.address
}

// SignTx signs the transaction with the treasury key.
func (s *Local) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required for signing")
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
