package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress rejects malformed destination addresses.
var ErrInvalidAddress = errors.New("invalid destination address")

// ErrInvalidAmount rejects amounts outside policy bounds.
var ErrInvalidAmount = errors.New("invalid amount")

// InsufficientTreasuryError reports a live treasury balance too low to cover
// the transfer plus the fee buffer.
type InsufficientTreasuryError struct {
	Balance  *big.Int
	Required *big.Int
}

func (e *InsufficientTreasuryError) Error() string {
	return fmt.Sprintf("insufficient treasury funds: balance %s wei, required %s wei",
		e.Balance, e.Required)
}

// BroadcastError reports a transaction rejected before entering the chain.
// The nonce was not consumed; the reservation has been released.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transaction broadcast failed: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// RevertedError reports a transaction that was mined but reverted. The
// reservation has been released; the hash is retained for audit.
type RevertedError struct {
	TxHash common.Hash
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted on-chain", e.TxHash.Hex())
}

// PendingError reports a broadcast transaction with no receipt inside the
// confirmation bound. The reservation stays held until reconciliation
// resolves the attempt; releasing it now could double-spend if the
// transaction confirms later.
type PendingError struct {
	TxHash common.Hash
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s awaiting confirmation; reconciliation required", e.TxHash.Hex())
}
