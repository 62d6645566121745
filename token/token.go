// Package token implements the AVGX token ledger: balances, total supply and
// the minter-gated mint and burn paths used by the swap engine.
package token

import (
	"errors"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
)

var (
	// ErrMaxSupplyExceeded indicates a mint that would push total supply past the cap.
	ErrMaxSupplyExceeded = errors.New("token: max supply exceeded")
	// ErrInsufficientBalance indicates a burn or transfer exceeding the holder balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInvalidAmount indicates a zero or nil amount.
	ErrInvalidAmount = errors.New("token: invalid amount")
	// ErrInvalidAddress indicates a zero recipient or holder address.
	ErrInvalidAddress = errors.New("token: invalid address")
)

// BalanceStore persists ledger mutations. Implementations receive the
// post-mutation balance and total supply.
type BalanceStore interface {
	SaveBalance(account ethcommon.Address, balance *uint256.Int) error
	SaveTotalSupply(total *uint256.Int) error
}

// Token is an in-memory ledger guarded by a mutex. Mint and burn are restricted
// to the configured minter, matching the swap engine holding mint authority.
type Token struct {
	mu          sync.RWMutex
	symbol      string
	balances    map[ethcommon.Address]*uint256.Int
	totalSupply *uint256.Int
	maxSupply   *uint256.Int
	minter      ethcommon.Address
	store       BalanceStore
}

// NewToken constructs an empty ledger. A nil maxSupply leaves the supply
// uncapped.
func NewToken(symbol string, maxSupply *uint256.Int) *Token {
	t := &Token{
		symbol:      symbol,
		balances:    make(map[ethcommon.Address]*uint256.Int),
		totalSupply: new(uint256.Int),
	}
	if maxSupply != nil && !maxSupply.IsZero() {
		t.maxSupply = maxSupply.Clone()
	}
	return t
}

// SetMinter assigns the address allowed to mint and burn.
func (t *Token) SetMinter(minter ethcommon.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minter = minter
}

// WithStore wires balance persistence and restores the supplied state.
func (t *Token) WithStore(store BalanceStore, balances map[ethcommon.Address]*uint256.Int, totalSupply *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = store
	t.balances = make(map[ethcommon.Address]*uint256.Int, len(balances))
	for account, balance := range balances {
		if balance == nil || balance.IsZero() {
			continue
		}
		t.balances[account] = balance.Clone()
	}
	if totalSupply != nil {
		t.totalSupply = totalSupply.Clone()
	} else {
		t.totalSupply = new(uint256.Int)
	}
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string {
	return t.symbol
}

// BalanceOf returns a copy of the holder balance.
func (t *Token) BalanceOf(account ethcommon.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if balance, ok := t.balances[account]; ok {
		return balance.Clone()
	}
	return new(uint256.Int)
}

// TotalSupply returns a copy of the outstanding supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSupply.Clone()
}

// MaxSupply returns the supply cap, or nil when uncapped.
func (t *Token) MaxSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.maxSupply == nil {
		return nil
	}
	return t.maxSupply.Clone()
}

// Mint credits freshly minted tokens to the recipient. Only the minter may
// call it, and the resulting supply must not exceed the cap.
func (t *Token) Mint(caller, to ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if caller != t.minter {
		return auth.ErrUnauthorized
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(t.totalSupply, amount)
	if overflow {
		return ErrMaxSupplyExceeded
	}
	if t.maxSupply != nil && nextSupply.Gt(t.maxSupply) {
		return ErrMaxSupplyExceeded
	}
	prevBalance := t.balances[to]
	nextBalance := new(uint256.Int).Add(t.balanceLocked(to), amount)
	t.balances[to] = nextBalance
	prevSupply := t.totalSupply
	t.totalSupply = nextSupply
	if err := t.persistLocked(to, nextBalance, nextSupply); err != nil {
		t.restoreLocked(to, prevBalance)
		t.totalSupply = prevSupply
		return err
	}
	return nil
}

// BurnFrom destroys tokens held by the holder. Only the minter may call it.
func (t *Token) BurnFrom(caller, holder ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if caller != t.minter {
		return auth.ErrUnauthorized
	}
	balance := t.balanceLocked(holder)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	prevBalance := t.balances[holder]
	nextBalance := new(uint256.Int).Sub(balance, amount)
	if nextBalance.IsZero() {
		delete(t.balances, holder)
	} else {
		t.balances[holder] = nextBalance
	}
	prevSupply := t.totalSupply
	t.totalSupply = new(uint256.Int).Sub(t.totalSupply, amount)
	if err := t.persistLocked(holder, nextBalance, t.totalSupply); err != nil {
		t.restoreLocked(holder, prevBalance)
		t.totalSupply = prevSupply
		return err
	}
	return nil
}

// Transfer moves tokens between holders.
func (t *Token) Transfer(from, to ethcommon.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fromBalance := t.balanceLocked(from)
	if fromBalance.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	prevFrom := t.balances[from]
	prevTo := t.balances[to]
	nextFrom := new(uint256.Int).Sub(fromBalance, amount)
	nextTo := new(uint256.Int).Add(t.balanceLocked(to), amount)
	if nextFrom.IsZero() {
		delete(t.balances, from)
	} else {
		t.balances[from] = nextFrom
	}
	t.balances[to] = nextTo
	if t.store != nil {
		if err := t.store.SaveBalance(from, nextFrom); err != nil {
			t.restoreLocked(from, prevFrom)
			t.restoreLocked(to, prevTo)
			return err
		}
		if err := t.store.SaveBalance(to, nextTo); err != nil {
			t.restoreLocked(from, prevFrom)
			t.restoreLocked(to, prevTo)
			return err
		}
	}
	return nil
}

func (t *Token) balanceLocked(account ethcommon.Address) *uint256.Int {
	if balance, ok := t.balances[account]; ok {
		return balance
	}
	return new(uint256.Int)
}

func (t *Token) persistLocked(account ethcommon.Address, balance, supply *uint256.Int) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveBalance(account, balance); err != nil {
		return err
	}
	return t.store.SaveTotalSupply(supply)
}

func (t *Token) restoreLocked(account ethcommon.Address, prev *uint256.Int) {
	if prev == nil {
		delete(t.balances, account)
		return
	}
	t.balances[account] = prev
}
