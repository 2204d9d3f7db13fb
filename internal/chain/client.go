// Package chain provides Ethereum JSON-RPC interaction for the treasury service.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client provides Ethereum RPC client functionality.
type Client struct {
	rpcURL       string
	httpClient   *http.Client
	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// Config holds client configuration.
type Config struct {
	RPCURL       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewClient creates a new Ethereum RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pollInterval: poll,
	}, nil
}

// Call makes an RPC call to the Ethereum node.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// BalanceAt returns the latest balance of the given account in wei.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []any{addr.Hex(), "latest"})
	if err != nil {
		return nil, err
	}

	var balance hexutil.Big
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return balance.ToInt(), nil
}

// PendingNonceAt returns the next usable nonce for the account, including
// transactions already in the mempool.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{addr.Hex(), "pending"})
	if err != nil {
		return 0, err
	}

	var nonce hexutil.Uint64
	if err := json.Unmarshal(result, &nonce); err != nil {
		return 0, fmt.Errorf("decode nonce: %w", err)
	}
	return uint64(nonce), nil
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}

	var price hexutil.Big
	if err := json.Unmarshal(result, &price); err != nil {
		return nil, fmt.Errorf("decode gas price: %w", err)
	}
	return price.ToInt(), nil
}

// ChainID returns the chain identifier. The value is cached after the first
// successful fetch since it never changes for a given endpoint.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}

	var id hexutil.Big
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, fmt.Errorf("decode chain id: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id.ToInt())
	c.mu.Unlock()
	return id.ToInt(), nil
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var number hexutil.Uint64
	if err := json.Unmarshal(result, &number); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return uint64(number), nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decode transaction hash: %w", err)
	}
	return hash, nil
}

// TransactionReceipt returns the receipt for a transaction, or
// ErrReceiptNotFound if it has not been mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()})
	if err != nil {
		return nil, err
	}

	if len(result) == 0 || string(result) == "null" {
		return nil, ErrReceiptNotFound
	}

	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

// AwaitReceipt polls for a transaction receipt until it appears or the
// timeout elapses. A missing receipt after the bound is reported as
// ErrConfirmationTimeout; the transaction may still confirm later.
func (c *Client) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}
