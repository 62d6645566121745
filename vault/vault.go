// Package vault tracks the base asset liquidity backing AVGX redemptions. The
// vault holds one pooled balance plus per-account balances for fee recipients
// and users paying in or out.
package vault

import (
	"errors"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance indicates a withdrawal exceeding the available balance.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	// ErrInvalidAmount indicates a zero or nil amount.
	ErrInvalidAmount = errors.New("vault: invalid amount")
	// ErrInvalidAddress indicates a zero account address.
	ErrInvalidAddress = errors.New("vault: invalid address")
)

// Store persists vault mutations.
type Store interface {
	SavePoolBalance(balance *uint256.Int) error
	SaveAccountBalance(account ethcommon.Address, balance *uint256.Int) error
}

// Vault is the base asset custody ledger. The pool balance is the liquidity
// available for redemptions; account balances hold user deposits and fee
// accruals outside the pool.
type Vault struct {
	mu       sync.RWMutex
	asset    string
	pool     *uint256.Int
	accounts map[ethcommon.Address]*uint256.Int
	store    Store
}

// NewVault constructs an empty vault for the named base asset.
func NewVault(asset string) *Vault {
	return &Vault{
		asset:    asset,
		pool:     new(uint256.Int),
		accounts: make(map[ethcommon.Address]*uint256.Int),
	}
}

// WithStore wires persistence and restores the supplied state.
func (v *Vault) WithStore(store Store, pool *uint256.Int, accounts map[ethcommon.Address]*uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store = store
	if pool != nil {
		v.pool = pool.Clone()
	} else {
		v.pool = new(uint256.Int)
	}
	v.accounts = make(map[ethcommon.Address]*uint256.Int, len(accounts))
	for account, balance := range accounts {
		if balance == nil || balance.IsZero() {
			continue
		}
		v.accounts[account] = balance.Clone()
	}
}

// Asset returns the base asset symbol.
func (v *Vault) Asset() string {
	return v.asset
}

// Balance returns a copy of the pooled liquidity.
func (v *Vault) Balance() *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pool.Clone()
}

// BalanceOf returns a copy of an account balance.
func (v *Vault) BalanceOf(account ethcommon.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if balance, ok := v.accounts[account]; ok {
		return balance.Clone()
	}
	return new(uint256.Int)
}

// Deposit moves base asset from the account balance into the pool. The swap
// engine calls this when taking a user's base payment.
func (v *Vault) Deposit(from ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance := v.accountLocked(from)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	prevAccount := v.accounts[from]
	prevPool := v.pool
	nextAccount := new(uint256.Int).Sub(balance, amount)
	v.setAccountLocked(from, nextAccount)
	v.pool = new(uint256.Int).Add(v.pool, amount)
	if err := v.persistLocked(from, nextAccount); err != nil {
		v.restoreAccountLocked(from, prevAccount)
		v.pool = prevPool
		return err
	}
	return nil
}

// Withdraw moves base asset from the pool to the account balance. The swap
// engine calls this to pay out redemptions and fees.
func (v *Vault) Withdraw(to ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool.Lt(amount) {
		return ErrInsufficientBalance
	}
	prevAccount := v.accounts[to]
	prevPool := v.pool
	nextAccount := new(uint256.Int).Add(v.accountLocked(to), amount)
	v.pool = new(uint256.Int).Sub(v.pool, amount)
	v.setAccountLocked(to, nextAccount)
	if err := v.persistLocked(to, nextAccount); err != nil {
		v.restoreAccountLocked(to, prevAccount)
		v.pool = prevPool
		return err
	}
	return nil
}

// Transfer moves base asset between account balances without touching the
// pool. The swap engine uses this for fee distribution.
func (v *Vault) Transfer(from, to ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fromBalance := v.accountLocked(from)
	if fromBalance.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	prevFrom := v.accounts[from]
	prevTo := v.accounts[to]
	nextFrom := new(uint256.Int).Sub(fromBalance, amount)
	nextTo := new(uint256.Int).Add(v.accountLocked(to), amount)
	v.setAccountLocked(from, nextFrom)
	v.setAccountLocked(to, nextTo)
	if v.store != nil {
		if err := v.store.SaveAccountBalance(from, nextFrom); err != nil {
			v.restoreAccountLocked(from, prevFrom)
			v.restoreAccountLocked(to, prevTo)
			return err
		}
		if err := v.store.SaveAccountBalance(to, nextTo); err != nil {
			v.restoreAccountLocked(from, prevFrom)
			v.restoreAccountLocked(to, prevTo)
			return err
		}
	}
	return nil
}

// Credit adds base asset to an account balance from outside the vault, e.g. a
// settlement rail confirming an inbound payment.
func (v *Vault) Credit(account ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if account == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.accounts[account]
	next := new(uint256.Int).Add(v.accountLocked(account), amount)
	v.setAccountLocked(account, next)
	if v.store != nil {
		if err := v.store.SaveAccountBalance(account, next); err != nil {
			v.restoreAccountLocked(account, prev)
			return err
		}
	}
	return nil
}

func (v *Vault) accountLocked(account ethcommon.Address) *uint256.Int {
	if balance, ok := v.accounts[account]; ok {
		return balance
	}
	return new(uint256.Int)
}

func (v *Vault) setAccountLocked(account ethcommon.Address, balance *uint256.Int) {
	if balance.IsZero() {
		delete(v.accounts, account)
		return
	}
	v.accounts[account] = balance
}

func (v *Vault) restoreAccountLocked(account ethcommon.Address, prev *uint256.Int) {
	if prev == nil {
		delete(v.accounts, account)
		return
	}
	v.accounts[account] = prev
}

func (v *Vault) persistLocked(account ethcommon.Address, balance *uint256.Int) error {
	if v.store == nil {
		return nil
	}
	if err := v.store.SaveAccountBalance(account, balance); err != nil {
		return err
	}
	return v.store.SavePoolBalance(v.pool)
}
