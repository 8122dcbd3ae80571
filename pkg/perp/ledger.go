package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

// ownerAccount is one owner's free-collateral bookkeeping, generalized from
// the teacher's Account (USDCBalance/LockedCollateral in int64 cents) to
// Wei. It is the owner shard of §5's concurrency model: every lock/unlock
// of collateral for a position funds through this, guarded by its own
// mutex, acquired before any market shard lock (owner < market ordering).
type ownerAccount struct {
	mu        sync.Mutex
	balance   fixedpoint.Wei
	locked    fixedpoint.Wei
	realized  fixedpoint.Wei
}

func (a *ownerAccount) available() fixedpoint.Wei {
	free, err := fixedpoint.Sub(a.balance, a.locked)
	if err != nil {
		return fixedpoint.Zero()
	}
	return free
}

// ledger is the process-wide map of owner accounts.
type ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*ownerAccount
}

func newLedger() *ledger {
	return &ledger{accounts: make(map[common.Address]*ownerAccount)}
}

func (l *ledger) account(owner common.Address) *ownerAccount {
	l.mu.RLock()
	a, ok := l.accounts[owner]
	l.mu.RUnlock()
	if ok {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok = l.accounts[owner]
	if ok {
		return a
	}
	a = &ownerAccount{}
	l.accounts[owner] = a
	return a
}

// Deposit credits an owner's free balance.
func (l *ledger) Deposit(owner common.Address, amount fixedpoint.Wei) error {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	sum, err := fixedpoint.Add(a.balance, amount)
	if err != nil {
		return err
	}
	a.balance = sum
	return nil
}

// Withdraw debits an owner's free (unlocked) balance.
func (l *ledger) Withdraw(owner common.Address, amount fixedpoint.Wei) error {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available().Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	bal, err := fixedpoint.Sub(a.balance, amount)
	if err != nil {
		return err
	}
	a.balance = bal
	return nil
}

// lockCollateral reserves amount against the owner's free balance; the
// caller must already hold no other owner lock (ownerAccount.mu is
// acquired here and released before any market shard lock is taken).
func (l *ledger) lockCollateral(owner common.Address, amount fixedpoint.Wei) error {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available().Cmp(amount) < 0 {
		return ErrInsufficientMargin
	}
	sum, err := fixedpoint.Add(a.locked, amount)
	if err != nil {
		return err
	}
	a.locked = sum
	return nil
}

func (l *ledger) unlockCollateral(owner common.Address, amount fixedpoint.Wei) {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	diff, err := fixedpoint.Sub(a.locked, amount)
	if err != nil || diff.Sign() < 0 {
		diff = fixedpoint.Zero()
	}
	a.locked = diff
}

// forfeitCollateral releases a position's margin reservation without
// returning it to the owner's available balance: it debits both locked
// and balance by amount, since the margin is being absorbed elsewhere
// (e.g. the insurance fund on liquidation) rather than unwound back to
// the owner the way a normal close's unlockCollateral+creditRealized
// pair does.
func (l *ledger) forfeitCollateral(owner common.Address, amount fixedpoint.Wei) {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	lockedDiff, err := fixedpoint.Sub(a.locked, amount)
	if err != nil || lockedDiff.Sign() < 0 {
		lockedDiff = fixedpoint.Zero()
	}
	a.locked = lockedDiff
	balDiff, err := fixedpoint.Sub(a.balance, amount)
	if err != nil || balDiff.Sign() < 0 {
		balDiff = fixedpoint.Zero()
	}
	a.balance = balDiff
}

func (l *ledger) creditRealized(owner common.Address, pnl fixedpoint.Wei) {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realized, _ = fixedpoint.Add(a.realized, pnl)
	a.balance, _ = fixedpoint.Add(a.balance, pnl)
}

func (l *ledger) availableBalance(owner common.Address) fixedpoint.Wei {
	a := l.account(owner)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available()
}
