package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt statuses as reported by the chain.
const (
	ReceiptStatusSuccess = uint64(1)
	ReceiptStatusFailed  = uint64(0)
)

// ErrReceiptNotFound indicates the transaction has no receipt yet.
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// ErrConfirmationTimeout indicates the confirmation wait exceeded its bound.
var ErrConfirmationTimeout = errors.New("timed out waiting for transaction confirmation")

// UnavailableError marks failures reaching or talking to the RPC node, as
// opposed to well-formed RPC error responses.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("chain gateway unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Receipt describes the confirmed outcome of a broadcast transaction.
type Receipt struct {
	TxHash            common.Hash    `json:"transactionHash"`
	Status            hexutil.Uint64 `json:"status"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return uint64(r.Status) == ReceiptStatusSuccess
}
