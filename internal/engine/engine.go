// Package engine orchestrates credit claims into on-chain treasury transfers.
//
// The engine enforces the ordering the ledger depends on: credits are
// reserved before any chain interaction, the treasury-wide balance is
// re-validated live, nonce assignment and broadcast run under a dedicated
// sequencing lock, and the reservation is only committed once the transfer
// is irreversibly confirmed.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outpost-labs/treasury-service/internal/chain"
	"github.com/outpost-labs/treasury-service/internal/ledger"
	"github.com/outpost-labs/treasury-service/internal/metrics"
	"github.com/outpost-labs/treasury-service/internal/signer"
	"github.com/outpost-labs/treasury-service/pkg/logger"
)

// Gateway is the chain RPC capability the engine depends on. *chain.Client
// satisfies it; tests substitute a scripted fake.
type Gateway interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*chain.Receipt, error)
}

// Config holds disbursement policy.
type Config struct {
	// MaxTransfer caps a single transfer, in wei.
	MaxTransfer *big.Int
	// FeeBuffer is the headroom required on top of the transfer amount when
	// checking the live treasury balance, in wei.
	FeeBuffer *big.Int
	// GasLimit for a plain value transfer.
	GasLimit uint64
	// GasPriceMultiplier scales the node's suggested gas price; values below
	// 1.0 are clamped to 1.0.
	GasPriceMultiplier decimal.Decimal
	// ConfirmTimeout bounds the confirmation wait after broadcast.
	ConfirmTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxTransfer == nil || c.MaxTransfer.Sign() <= 0 {
		c.MaxTransfer = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)) // 10 ETH
	}
	if c.FeeBuffer == nil || c.FeeBuffer.Sign() < 0 {
		c.FeeBuffer = big.NewInt(1e15) // 0.001 ETH
	}
	if c.GasLimit == 0 {
		c.GasLimit = 21000
	}
	if c.GasPriceMultiplier.LessThan(decimal.New(1, 0)) {
		c.GasPriceMultiplier = decimal.New(1, 0)
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 120 * time.Second
	}
}

// Engine executes disbursements against the treasury account.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	gateway Gateway
	signer  signer.Signer
	log     *logger.Logger

	// nonceMu serializes the nonce-query-through-broadcast section. It is
	// released immediately after the broadcast outcome is known so that
	// confirmations of independent transfers overlap.
	nonceMu sync.Mutex

	pending *pendingRegistry
}

// New creates a disbursement engine.
func New(ldg *ledger.Ledger, gw Gateway, sg signer.Signer, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		ledger:  ldg,
		gateway: gw,
		signer:  sg,
		log:     log,
		pending: newPendingRegistry(),
	}
}

// TreasuryAddress returns the custodial account disbursements are sent from.
func (e *Engine) TreasuryAddress() common.Address {
	return e.signer.Address()
}

// Disburse converts a user's reserved credits into an on-chain transfer to
// the user's own wallet. One request yields exactly one transaction attempt.
func (e *Engine) Disburse(ctx context.Context, userAddr string, amount *big.Int, sourceTag string) (*Result, error) {
	user, err := parseAddress(userAddr)
	if err != nil {
		return nil, err
	}
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}

	res, err := e.ledger.Reserve(user, amount)
	if err != nil {
		return nil, err
	}

	attempt := &Attempt{
		ID:          uuid.New().String(),
		Kind:        KindClaim,
		User:        user,
		Destination: user,
		Amount:      new(big.Int).Set(amount),
		SourceTag:   sourceTag,
		State:       StateCreated,
		CreatedAt:   time.Now(),
	}

	result, err := e.execute(ctx, attempt, res)
	if err != nil {
		return nil, err
	}
	result.Remaining = e.ledger.Balance(user)
	return result, nil
}

// AdminTransfer sends treasury funds to an arbitrary destination, bypassing
// the ledger. Nonce sequencing and confirmation handling are identical to a
// claim.
func (e *Engine) AdminTransfer(ctx context.Context, destAddr string, amount *big.Int) (*Result, error) {
	dest, err := parseAddress(destAddr)
	if err != nil {
		return nil, err
	}
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}

	attempt := &Attempt{
		ID:          uuid.New().String(),
		Kind:        KindAdmin,
		Destination: dest,
		Amount:      new(big.Int).Set(amount),
		State:       StateCreated,
		CreatedAt:   time.Now(),
	}

	return e.execute(ctx, attempt, nil)
}

func (e *Engine) validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if amount.Cmp(e.cfg.MaxTransfer) > 0 {
		return fmt.Errorf("%w: %s wei exceeds per-transaction cap %s wei",
			ErrInvalidAmount, amount, e.cfg.MaxTransfer)
	}
	return nil
}

// execute runs steps shared by claims and admin transfers. res is nil for
// admin transfers; when non-nil it is released on every failure path except
// an unknown confirmation outcome, where it stays held for reconciliation.
func (e *Engine) execute(ctx context.Context, attempt *Attempt, res *ledger.Reservation) (*Result, error) {
	treasury := e.signer.Address()

	// The treasury balance is a shared resource not owned by any user, so it
	// is validated live on every attempt, after the per-user reservation.
	balance, err := e.gateway.BalanceAt(ctx, treasury)
	if err != nil {
		e.abort(attempt, res)
		return nil, fmt.Errorf("query treasury balance: %w", err)
	}
	required := new(big.Int).Add(attempt.Amount, e.cfg.FeeBuffer)
	if balance.Cmp(required) < 0 {
		e.abort(attempt, res)
		return nil, &InsufficientTreasuryError{
			Balance:  new(big.Int).Set(balance),
			Required: required,
		}
	}

	e.nonceMu.Lock()
	hash, err := e.signAndBroadcast(ctx, attempt, treasury)
	e.nonceMu.Unlock()
	if err != nil {
		// The transaction never entered the chain; the nonce slot is still
		// free and is re-read live on the next attempt.
		e.abort(attempt, res)
		return nil, err
	}

	attempt.TxHash = hash
	attempt.State = StateBroadcast
	attempt.BroadcastAt = time.Now()
	e.log.WithFields(map[string]any{
		"kind":   attempt.Kind,
		"txHash": hash.Hex(),
		"nonce":  attempt.Nonce,
		"amount": attempt.Amount.String(),
		"dest":   attempt.Destination.Hex(),
	}).Info("transaction broadcast")

	return e.awaitOutcome(ctx, attempt, res)
}

// signAndBroadcast runs the critical section: the caller must hold nonceMu.
// The nonce is always read live from the chain, never cached, so a slot
// freed by a failed broadcast is naturally reused.
func (e *Engine) signAndBroadcast(ctx context.Context, attempt *Attempt, treasury common.Address) (common.Hash, error) {
	nonce, err := e.gateway.PendingNonceAt(ctx, treasury)
	if err != nil {
		return common.Hash{}, fmt.Errorf("query treasury nonce: %w", err)
	}
	gasPrice, err := e.gateway.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("query gas price: %w", err)
	}
	chainID, err := e.gateway.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("query chain id: %w", err)
	}

	scaled := e.scaleGasPrice(gasPrice)
	attempt.Nonce = nonce
	attempt.GasPrice = scaled
	attempt.State = StateNonceAssigned

	dest := attempt.Destination
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: scaled,
		Gas:      e.cfg.GasLimit,
		To:       &dest,
		Value:    attempt.Amount,
	})

	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}

	hash, err := e.gateway.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: err}
	}
	return hash, nil
}

// awaitOutcome waits for the confirmation outcome. Caller cancellation no
// longer affects the on-chain transfer, so the wait runs detached from the
// request context.
func (e *Engine) awaitOutcome(ctx context.Context, attempt *Attempt, res *ledger.Reservation) (*Result, error) {
	waitCtx := context.WithoutCancel(ctx)
	receipt, err := e.gateway.AwaitReceipt(waitCtx, attempt.TxHash, e.cfg.ConfirmTimeout)

	switch {
	case err == nil && receipt.Succeeded():
		attempt.State = StateConfirmed
		attempt.ResolvedAt = time.Now()
		if res != nil {
			if err := e.ledger.Commit(res); err != nil {
				e.log.WithError(err).Errorf("commit reservation %s after confirmation", res.ID)
			}
		}
		metrics.RecordDisbursement(attempt.Kind, "confirmed")
		metrics.ObserveConfirmation(attempt.ResolvedAt.Sub(attempt.BroadcastAt))
		e.log.WithFields(map[string]any{
			"txHash": attempt.TxHash.Hex(),
			"block":  uint64(receipt.BlockNumber),
			"gas":    uint64(receipt.GasUsed),
		}).Info("transaction confirmed")
		return &Result{
			TxHash:      attempt.TxHash,
			BlockNumber: uint64(receipt.BlockNumber),
			GasUsed:     uint64(receipt.GasUsed),
			Amount:      new(big.Int).Set(attempt.Amount),
			Destination: attempt.Destination,
		}, nil

	case err == nil:
		attempt.State = StateReverted
		attempt.ResolvedAt = time.Now()
		if res != nil {
			if err := e.ledger.Release(res); err != nil {
				e.log.WithError(err).Errorf("release reservation %s after revert", res.ID)
			}
		}
		metrics.RecordDisbursement(attempt.Kind, "reverted")
		e.log.WithField("txHash", attempt.TxHash.Hex()).Warn("transaction reverted on-chain")
		return nil, &RevertedError{TxHash: attempt.TxHash}

	default:
		// No receipt inside the bound. The transfer may still confirm, so
		// the reservation stays held and the attempt is parked for
		// reconciliation.
		attempt.State = StateTimedOut
		e.pending.add(attempt, res)
		metrics.RecordDisbursement(attempt.Kind, "pending")
		metrics.SetPendingAttempts(e.pending.size())
		e.log.WithError(err).WithField("txHash", attempt.TxHash.Hex()).
			Warn("confirmation timed out; attempt parked for reconciliation")
		return nil, &PendingError{TxHash: attempt.TxHash}
	}
}

// abort releases a held reservation on a pre-confirmation failure path.
func (e *Engine) abort(attempt *Attempt, res *ledger.Reservation) {
	attempt.ResolvedAt = time.Now()
	metrics.RecordDisbursement(attempt.Kind, "failed")
	if res == nil {
		return
	}
	if err := e.ledger.Release(res); err != nil {
		e.log.WithError(err).Errorf("release reservation %s", res.ID)
	}
}

func (e *Engine) scaleGasPrice(price *big.Int) *big.Int {
	return decimal.NewFromBigInt(price, 0).Mul(e.cfg.GasPriceMultiplier).Ceil().BigInt()
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	// HexToAddress normalizes; Address.Hex renders the EIP-55 checksummed form.
	return common.HexToAddress(raw), nil
}
