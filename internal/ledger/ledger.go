// Package ledger provides core credit balance management for the treasury service.
//
// Credit Flow:
// 1. An upstream earnings pipeline deposits credits for a user wallet
// 2. When the user claims, the claimed amount is reserved from the balance
// 3. After the on-chain transfer confirms, the reservation is committed
// 4. If the transfer fails or reverts, the reservation is released back
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/outpost-labs/treasury-service/pkg/logger"
)

// ErrInvalidAmount rejects zero or negative credit amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// InsufficientCreditsError reports a reserve attempt beyond the user's balance.
type InsufficientCreditsError struct {
	User      common.Address
	Available *big.Int
	Requested *big.Int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %s wei, requested %s wei",
		e.User.Hex(), e.Available, e.Requested)
}

// Reservation status values.
const (
	ReservationOpen      = "open"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// Reservation is a hold on a user's credit balance while a disbursement is in
// flight. The held amount is already removed from the visible balance; Commit
// finalizes the removal, Release restores it.
type Reservation struct {
	ID        string         `json:"id"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Ledger tracks per-user claimable credit balances in wei. A single mutex
// guards the maps; contention is low but correctness is mandatory. Reserve,
// Commit and Release are the only mutators besides Credit; no direct
// decrement exists.
type Ledger struct {
	log *logger.Logger

	mu           sync.Mutex
	balances     map[common.Address]*big.Int
	reservations map[string]*Reservation

	totalCredited  *big.Int
	totalCommitted *big.Int
}

// New creates an empty ledger.
func New(log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Ledger{
		log:            log,
		balances:       make(map[common.Address]*big.Int),
		reservations:   make(map[string]*Reservation),
		totalCredited:  new(big.Int),
		totalCommitted: new(big.Int),
	}
}

// Credit adds amount to the user's balance and returns the new balance.
func (l *Ledger) Credit(user common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.balanceLocked(user)
	after := new(big.Int).Add(before, amount)
	l.balances[user] = after
	l.totalCredited.Add(l.totalCredited, amount)

	l.log.WithFields(map[string]any{
		"user":   user.Hex(),
		"amount": amount.String(),
		"before": before.String(),
		"after":  after.String(),
	}).Info("credit deposited")

	return new(big.Int).Set(after), nil
}

// Balance returns the user's visible balance. Unknown users have a zero
// balance, never an error.
func (l *Ledger) Balance(user common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(user))
}

// Reserve places a hold on amount of the user's balance. The visible balance
// is decremented atomically so concurrent claims cannot double-spend it.
func (l *Ledger) Reserve(user common.Address, amount *big.Int) (*Reservation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.balanceLocked(user)
	if before.Cmp(amount) < 0 {
		return nil, &InsufficientCreditsError{
			User:      user,
			Available: new(big.Int).Set(before),
			Requested: new(big.Int).Set(amount),
		}
	}

	after := new(big.Int).Sub(before, amount)
	l.balances[user] = after

	res := &Reservation{
		ID:        uuid.New().String(),
		User:      user,
		Amount:    new(big.Int).Set(amount),
		Status:    ReservationOpen,
		CreatedAt: time.Now(),
	}
	l.reservations[res.ID] = res

	l.log.WithFields(map[string]any{
		"user":        user.Hex(),
		"reservation": res.ID,
		"amount":      amount.String(),
		"before":      before.String(),
		"after":       after.String(),
	}).Info("credits reserved")

	return res, nil
}

// Commit finalizes a reservation after the on-chain transfer confirmed. The
// balance was already decremented at Reserve time, so only bookkeeping moves.
func (l *Ledger) Commit(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("nil reservation")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.reservations[res.ID]
	if !ok {
		return fmt.Errorf("unknown reservation %s", res.ID)
	}
	if stored.Status != ReservationOpen {
		return fmt.Errorf("reservation %s already %s", stored.ID, stored.Status)
	}

	stored.Status = ReservationCommitted
	l.totalCommitted.Add(l.totalCommitted, stored.Amount)
	delete(l.reservations, stored.ID)

	l.log.WithFields(map[string]any{
		"user":        stored.User.Hex(),
		"reservation": stored.ID,
		"amount":      stored.Amount.String(),
	}).Info("reservation committed")

	return nil
}

// Release restores a reservation's amount to the user's balance, used when
// the transfer failed, reverted, or was aborted before broadcast.
func (l *Ledger) Release(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("nil reservation")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.reservations[res.ID]
	if !ok {
		return fmt.Errorf("unknown reservation %s", res.ID)
	}
	if stored.Status != ReservationOpen {
		return fmt.Errorf("reservation %s already %s", stored.ID, stored.Status)
	}

	before := l.balanceLocked(stored.User)
	after := new(big.Int).Add(before, stored.Amount)
	l.balances[stored.User] = after

	stored.Status = ReservationReleased
	delete(l.reservations, stored.ID)

	l.log.WithFields(map[string]any{
		"user":        stored.User.Hex(),
		"reservation": stored.ID,
		"amount":      stored.Amount.String(),
		"before":      before.String(),
		"after":       after.String(),
	}).Info("reservation released")

	return nil
}

// Get returns a copy of an open reservation by id. The stored reservation is
// never handed out; its status is mutated under the ledger mutex.
func (l *Ledger) Get(id string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	out := *res
	out.Amount = new(big.Int).Set(res.Amount)
	return out, true
}

// Stats is a point-in-time summary of the ledger.
type Stats struct {
	Users            int      `json:"users"`
	TotalCredits     *big.Int `json:"totalCredits"`
	OpenReservations int      `json:"openReservations"`
}

// Snapshot returns aggregate ledger statistics.
func (l *Ledger) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, bal := range l.balances {
		total.Add(total, bal)
	}
	return Stats{
		Users:            len(l.balances),
		TotalCredits:     total,
		OpenReservations: len(l.reservations),
	}
}

func (l *Ledger) balanceLocked(user common.Address) *big.Int {
	if bal, ok := l.balances[user]; ok {
		return bal
	}
	return new(big.Int)
}
