package token

import (
	"errors"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
)

var (
	minter = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a2")
	bob    = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a3")
)

func newTestToken(maxSupply uint64) *Token {
	var supplyCap *uint256.Int
	if maxSupply > 0 {
		supplyCap = uint256.NewInt(maxSupply)
	}
	t := NewToken("AVGX", supplyCap)
	t.SetMinter(minter)
	return t
}

func TestMintRequiresMinter(t *testing.T) {
	ledger := newTestToken(0)
	if err := ledger.Mint(alice, alice, uint256.NewInt(10)); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := ledger.Mint(minter, alice, uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := ledger.BalanceOf(alice); !got.Eq(uint256.NewInt(10)) {
		t.Fatalf("balance: got %s want 10", got.Dec())
	}
	if got := ledger.TotalSupply(); !got.Eq(uint256.NewInt(10)) {
		t.Fatalf("supply: got %s want 10", got.Dec())
	}
}

func TestMintEnforcesCap(t *testing.T) {
	ledger := newTestToken(100)
	if err := ledger.Mint(minter, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint to cap: %v", err)
	}
	if err := ledger.Mint(minter, alice, uint256.NewInt(1)); !errors.Is(err, ErrMaxSupplyExceeded) {
		t.Fatalf("expected ErrMaxSupplyExceeded, got %v", err)
	}
}

func TestMintValidatesInputs(t *testing.T) {
	ledger := newTestToken(0)
	if err := ledger.Mint(minter, alice, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil amount: got %v", err)
	}
	if err := ledger.Mint(minter, alice, new(uint256.Int)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if err := ledger.Mint(minter, ethcommon.Address{}, uint256.NewInt(1)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero address: got %v", err)
	}
}

func TestBurnFrom(t *testing.T) {
	ledger := newTestToken(0)
	if err := ledger.Mint(minter, alice, uint256.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.BurnFrom(alice, alice, uint256.NewInt(10)); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := ledger.BurnFrom(minter, alice, uint256.NewInt(60)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.BurnFrom(minter, alice, uint256.NewInt(50)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := ledger.BalanceOf(alice); !got.IsZero() {
		t.Fatalf("balance after burn: %s", got.Dec())
	}
	if got := ledger.TotalSupply(); !got.IsZero() {
		t.Fatalf("supply after burn: %s", got.Dec())
	}
}

func TestTransfer(t *testing.T) {
	ledger := newTestToken(0)
	if err := ledger.Mint(minter, alice, uint256.NewInt(30)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(alice, bob, uint256.NewInt(40)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.Transfer(alice, bob, uint256.NewInt(12)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := ledger.BalanceOf(alice); !got.Eq(uint256.NewInt(18)) {
		t.Fatalf("sender balance: %s", got.Dec())
	}
	if got := ledger.BalanceOf(bob); !got.Eq(uint256.NewInt(12)) {
		t.Fatalf("recipient balance: %s", got.Dec())
	}
	// Self transfer is a no-op, not an error.
	if err := ledger.Transfer(alice, alice, uint256.NewInt(5)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if got := ledger.BalanceOf(alice); !got.Eq(uint256.NewInt(18)) {
		t.Fatalf("self transfer mutated balance: %s", got.Dec())
	}
}

type failingStore struct {
	failSupply bool
}

func (f *failingStore) SaveBalance(ethcommon.Address, *uint256.Int) error {
	return nil
}

func (f *failingStore) SaveTotalSupply(*uint256.Int) error {
	if f.failSupply {
		return errors.New("disk full")
	}
	return nil
}

func TestMintRollsBackOnStoreFailure(t *testing.T) {
	ledger := newTestToken(0)
	ledger.WithStore(&failingStore{failSupply: true}, nil, nil)
	if err := ledger.Mint(minter, alice, uint256.NewInt(10)); err == nil {
		t.Fatal("expected store error")
	}
	if got := ledger.BalanceOf(alice); !got.IsZero() {
		t.Fatalf("balance not rolled back: %s", got.Dec())
	}
	if got := ledger.TotalSupply(); !got.IsZero() {
		t.Fatalf("supply not rolled back: %s", got.Dec())
	}
}

func TestWithStoreRestoresState(t *testing.T) {
	ledger := newTestToken(0)
	ledger.WithStore(&failingStore{}, map[ethcommon.Address]*uint256.Int{
		alice: uint256.NewInt(7),
		bob:   new(uint256.Int),
	}, uint256.NewInt(7))
	if got := ledger.BalanceOf(alice); !got.Eq(uint256.NewInt(7)) {
		t.Fatalf("restored balance: %s", got.Dec())
	}
	if got := ledger.BalanceOf(bob); !got.IsZero() {
		t.Fatalf("zero balances must be dropped, got %s", got.Dec())
	}
	if got := ledger.TotalSupply(); !got.Eq(uint256.NewInt(7)) {
		t.Fatalf("restored supply: %s", got.Dec())
	}
}
