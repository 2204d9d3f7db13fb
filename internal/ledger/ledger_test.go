package ledger

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	userA = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	userB = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func TestCreditAndBalance(t *testing.T) {
	l := New(nil)

	if bal := l.Balance(userA); bal.Sign() != 0 {
		t.Fatalf("unknown user should have zero balance, got %s", bal)
	}

	bal, err := l.Credit(userA, big.NewInt(1500))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if bal.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("unexpected balance: %s", bal)
	}

	if _, err := l.Credit(userA, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := l.Credit(userA, big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := l.Credit(userA, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestReserveInsufficient(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := l.Reserve(userA, big.NewInt(150))
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Available.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected available: %s", insufficient.Available)
	}
	if insufficient.Requested.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected requested: %s", insufficient.Requested)
	}
	if bal := l.Balance(userA); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance changed on failed reserve: %s", bal)
	}
}

func TestReserveCommit(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(1500)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	res, err := l.Reserve(userA, big.NewInt(1000))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if bal := l.Balance(userA); bal.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("visible balance not decremented: %s", bal)
	}

	if err := l.Commit(res); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bal := l.Balance(userA); bal.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("commit must not change balance: %s", bal)
	}

	// A committed reservation cannot be touched again.
	if err := l.Commit(res); err == nil {
		t.Fatal("second commit should fail")
	}
	if err := l.Release(res); err == nil {
		t.Fatal("release after commit should fail")
	}
}

func TestReserveRelease(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	res, err := l.Reserve(userA, big.NewInt(600))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(res); err != nil {
		t.Fatalf("release: %v", err)
	}
	if bal := l.Balance(userA); bal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance not restored: %s", bal)
	}
	if err := l.Release(res); err == nil {
		t.Fatal("second release should fail")
	}
}

func TestDoubleClaimRejected(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if _, err := l.Reserve(userA, big.NewInt(100)); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve(userA, big.NewInt(100)); err == nil {
		t.Fatal("second reserve of same credits should fail while first is open")
	}
}

func TestZeroBalancePersists(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := l.Reserve(userA, big.NewInt(10))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(res); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stats := l.Snapshot()
	if stats.Users != 1 {
		t.Fatalf("zero-balance entry should persist, users=%d", stats.Users)
	}
	if bal := l.Balance(userA); bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", bal)
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(userA, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := l.Reserve(userA, big.NewInt(60))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	got, ok := l.Get(res.ID)
	if !ok {
		t.Fatal("reservation not found")
	}
	got.Status = ReservationReleased
	got.Amount.SetInt64(1)

	stored, ok := l.Get(res.ID)
	if !ok {
		t.Fatal("reservation gone after copy mutation")
	}
	if stored.Status != ReservationOpen {
		t.Fatalf("stored status changed through copy: %s", stored.Status)
	}
	if stored.Amount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("stored amount changed through copy: %s", stored.Amount)
	}

	if err := l.Commit(res); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := l.Get(res.ID); ok {
		t.Fatal("settled reservation still listed")
	}
}

// TestConservationUnderConcurrency hammers the ledger from many goroutines
// and verifies balance + open reservations = credited - committed holds for
// each user afterwards.
func TestConservationUnderConcurrency(t *testing.T) {
	l := New(nil)
	users := []common.Address{userA, userB}

	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := map[common.Address]*big.Int{userA: new(big.Int), userB: new(big.Int)}
	committed := map[common.Address]*big.Int{userA: new(big.Int), userB: new(big.Int)}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := users[w%len(users)]
			for i := 0; i < rounds; i++ {
				amount := big.NewInt(int64(1 + i%7))
				if _, err := l.Credit(user, amount); err != nil {
					t.Errorf("credit: %v", err)
					return
				}
				mu.Lock()
				credited[user].Add(credited[user], amount)
				mu.Unlock()

				res, err := l.Reserve(user, amount)
				if err != nil {
					continue // another goroutine spent it first
				}
				if i%3 == 0 {
					if err := l.Release(res); err != nil {
						t.Errorf("release: %v", err)
					}
					continue
				}
				if err := l.Commit(res); err != nil {
					t.Errorf("commit: %v", err)
					continue
				}
				mu.Lock()
				committed[user].Add(committed[user], res.Amount)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	stats := l.Snapshot()
	if stats.OpenReservations != 0 {
		t.Fatalf("expected no open reservations, got %d", stats.OpenReservations)
	}
	for _, user := range users {
		bal := l.Balance(user)
		if bal.Sign() < 0 {
			t.Fatalf("negative balance for %s: %s", user.Hex(), bal)
		}
		want := new(big.Int).Sub(credited[user], committed[user])
		if bal.Cmp(want) != 0 {
			t.Fatalf("conservation violated for %s: balance %s, credited-committed %s",
				user.Hex(), bal, want)
		}
	}
}
