package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Attempt states. Confirmed and Reverted are terminal with ledger
// reconciliation applied; TimedOut leaves a held reservation that the
// reconciler or an operator must resolve.
const (
	StateCreated       = "created"
	StateNonceAssigned = "nonce_assigned"
	StateBroadcast     = "broadcast"
	StateConfirmed     = "confirmed"
	StateReverted      = "reverted"
	StateTimedOut      = "timed_out"
)

// Attempt kinds.
const (
	KindClaim = "claim"
	KindAdmin = "admin_transfer"
)

// Attempt records one transaction attempt against the treasury account. One
// disbursement request yields exactly one attempt; failed broadcasts are
// reported, never silently retried.
type Attempt struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	User        common.Address `json:"user,omitempty"`
	Destination common.Address `json:"destination"`
	Amount      *big.Int       `json:"amount"`
	SourceTag   string         `json:"sourceTag,omitempty"`

	Nonce    uint64      `json:"nonce"`
	GasPrice *big.Int    `json:"gasPrice,omitempty"`
	TxHash   common.Hash `json:"txHash,omitempty"`
	State    string      `json:"state"`

	CreatedAt   time.Time `json:"createdAt"`
	BroadcastAt time.Time `json:"broadcastAt,omitempty"`
	ResolvedAt  time.Time `json:"resolvedAt,omitempty"`
}

// copy returns a detached value copy, including the big.Int fields.
func (a *Attempt) copy() Attempt {
	out := *a
	if a.Amount != nil {
		out.Amount = new(big.Int).Set(a.Amount)
	}
	if a.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(a.GasPrice)
	}
	return out
}

// Result describes a confirmed disbursement.
type Result struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Amount      *big.Int
	Destination common.Address
	// Remaining is the requester's credit balance after commit; nil for
	// admin transfers, which bypass the ledger.
	Remaining *big.Int
}
