package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outpost-labs/treasury-service/internal/ledger"
	"github.com/outpost-labs/treasury-service/internal/metrics"
)

// Resolve actions.
const (
	ResolveCommit  = "commit"
	ResolveRelease = "release"
)

// pendingEntry pairs a timed-out attempt with its still-held reservation.
type pendingEntry struct {
	attempt     *Attempt
	reservation *ledger.Reservation
}

type pendingRegistry struct {
	mu      sync.Mutex
	entries map[common.Hash]*pendingEntry
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[common.Hash]*pendingEntry)}
}

func (r *pendingRegistry) add(attempt *Attempt, res *ledger.Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[attempt.TxHash] = &pendingEntry{attempt: attempt, reservation: res}
}

func (r *pendingRegistry) take(hash common.Hash) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[hash]
	if ok {
		delete(r.entries, hash)
	}
	return entry, ok
}

func (r *pendingRegistry) hashes() []common.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]common.Hash, 0, len(r.entries))
	for hash := range r.entries {
		out = append(out, hash)
	}
	return out
}

func (r *pendingRegistry) snapshot() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.attempt.copy())
	}
	return out
}

func (r *pendingRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending lists attempts awaiting reconciliation. The returned attempts are
// copies; registry state is never exposed for outside mutation or reads that
// would race with the reconciler.
func (e *Engine) Pending() []Attempt {
	return e.pending.snapshot()
}

// Resolve applies an operator decision to a parked attempt: commit when the
// transfer is known to have landed, release when it is known dropped. The
// attempt is removed from the registry either way.
func (e *Engine) Resolve(hash common.Hash, action string) (Attempt, error) {
	entry, ok := e.pending.take(hash)
	if !ok {
		return Attempt{}, fmt.Errorf("no pending attempt for transaction %s", hash.Hex())
	}

	var err error
	switch action {
	case ResolveCommit:
		entry.attempt.State = StateConfirmed
		if entry.reservation != nil {
			err = e.ledger.Commit(entry.reservation)
		}
	case ResolveRelease:
		entry.attempt.State = StateReverted
		if entry.reservation != nil {
			err = e.ledger.Release(entry.reservation)
		}
	default:
		e.pending.add(entry.attempt, entry.reservation)
		return Attempt{}, fmt.Errorf("unknown resolve action %q", action)
	}
	if err != nil {
		return Attempt{}, err
	}

	entry.attempt.ResolvedAt = time.Now()
	metrics.SetPendingAttempts(e.pending.size())
	e.log.WithFields(map[string]any{
		"txHash": hash.Hex(),
		"action": action,
	}).Info("pending attempt resolved by operator")
	return entry.attempt.copy(), nil
}

// ReconcileOnce re-checks receipts for all parked attempts and settles those
// with a known outcome. Attempts still without a receipt stay parked.
func (e *Engine) ReconcileOnce(ctx context.Context) {
	for _, hash := range e.pending.hashes() {
		receipt, err := e.gateway.TransactionReceipt(ctx, hash)
		if err != nil {
			continue
		}

		taken, ok := e.pending.take(hash)
		if !ok {
			continue // resolved concurrently
		}

		taken.attempt.ResolvedAt = time.Now()
		if receipt.Succeeded() {
			taken.attempt.State = StateConfirmed
			if taken.reservation != nil {
				if err := e.ledger.Commit(taken.reservation); err != nil {
					e.log.WithError(err).Errorf("commit reservation %s during reconciliation", taken.reservation.ID)
				}
			}
		} else {
			taken.attempt.State = StateReverted
			if taken.reservation != nil {
				if err := e.ledger.Release(taken.reservation); err != nil {
					e.log.WithError(err).Errorf("release reservation %s during reconciliation", taken.reservation.ID)
				}
			}
		}
		e.log.WithFields(map[string]any{
			"txHash": taken.attempt.TxHash.Hex(),
			"state":  taken.attempt.State,
		}).Info("pending attempt reconciled")
	}
	metrics.SetPendingAttempts(e.pending.size())
}
