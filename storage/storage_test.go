package storage

import (
	"context"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/amm"
	"github.com/parkeqpapa/avgx-backend-v3/index"
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
)

func TestFeedRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	cfg := oracle.FeedConfig{Source: "coingecko:btc", Invert: true, SourceDecimals: 8, MaxAge: 30 * time.Second}
	if err := store.SaveFeed("btc", cfg); err != nil {
		t.Fatalf("save feed: %v", err)
	}
	// Updating the same asset must overwrite, not duplicate.
	cfg.MaxAge = time.Minute
	if err := store.SaveFeed("BTC", cfg); err != nil {
		t.Fatalf("update feed: %v", err)
	}
	feeds, err := store.LoadFeeds(ctx)
	if err != nil {
		t.Fatalf("load feeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("expected 1 feed, got %d", len(feeds))
	}
	got, ok := feeds["BTC"]
	if !ok {
		t.Fatalf("feed key not canonicalised: %+v", feeds)
	}
	if got.Source != "coingecko:btc" || !got.Invert || got.SourceDecimals != 8 || got.MaxAge != time.Minute {
		t.Fatalf("unexpected feed: %+v", got)
	}
}

func TestMaxAgeRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if _, present, err := store.LoadMaxAge(ctx); err != nil || present {
		t.Fatalf("expected empty max age, got present=%v err=%v", present, err)
	}
	if err := store.SaveMaxAge(90 * time.Second); err != nil {
		t.Fatalf("save max age: %v", err)
	}
	maxAge, present, err := store.LoadMaxAge(ctx)
	if err != nil || !present || maxAge != 90*time.Second {
		t.Fatalf("load max age: %v present=%v got=%v", err, present, maxAge)
	}
}

func TestComponentRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if err := store.SaveComponent(index.BasketFiat, index.Component{AssetID: "USD", WeightBps: 5000, SourceDecimals: 18}); err != nil {
		t.Fatalf("save fiat: %v", err)
	}
	if err := store.SaveComponent(index.BasketCrypto, index.Component{AssetID: "BTC", WeightBps: 7000, SourceDecimals: 8}); err != nil {
		t.Fatalf("save crypto: %v", err)
	}
	if err := store.SaveComponent(index.BasketCrypto, index.Component{AssetID: "ETH", WeightBps: 3000, SourceDecimals: 18}); err != nil {
		t.Fatalf("save crypto: %v", err)
	}
	if err := store.DeleteComponent(index.BasketCrypto, "eth"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fiat, crypto, err := store.LoadComponents(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(fiat) != 1 || fiat[0].AssetID != "USD" || fiat[0].WeightBps != 5000 {
		t.Fatalf("fiat: %+v", fiat)
	}
	if len(crypto) != 1 || crypto[0].AssetID != "BTC" || crypto[0].SourceDecimals != 8 {
		t.Fatalf("crypto: %+v", crypto)
	}
}

func TestParamsRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if params, err := store.LoadParams(ctx); err != nil || params != nil {
		t.Fatalf("expected empty params, got %+v err=%v", params, err)
	}
	want := amm.Params{
		FeeBps:       30,
		SpreadBps:    10,
		FeeRecipient: ethcommon.HexToAddress("0x00000000000000000000000000000000000000e1"),
		Treasury:     ethcommon.HexToAddress("0x00000000000000000000000000000000000000e2"),
	}
	if err := store.SaveParams(want); err != nil {
		t.Fatalf("save params: %v", err)
	}
	got, err := store.LoadParams(ctx)
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("params: got %+v want %+v", got, want)
	}
}

func TestPauseFlagRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if paused, err := store.LoadPaused(ctx); err != nil || paused {
		t.Fatalf("expected unpaused default, got %v err=%v", paused, err)
	}
	if err := store.SavePaused(true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if paused, err := store.LoadPaused(ctx); err != nil || !paused {
		t.Fatalf("expected paused, got %v err=%v", paused, err)
	}
}

func TestTokenStateRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	holder := ethcommon.HexToAddress("0x00000000000000000000000000000000000000e3")
	if err := store.SaveBalance(holder, uint256.NewInt(42)); err != nil {
		t.Fatalf("save balance: %v", err)
	}
	if err := store.SaveTotalSupply(uint256.NewInt(42)); err != nil {
		t.Fatalf("save supply: %v", err)
	}
	balances, total, err := store.LoadTokenState(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := balances[holder]; got == nil || !got.Eq(uint256.NewInt(42)) {
		t.Fatalf("balance: %+v", balances)
	}
	if !total.Eq(uint256.NewInt(42)) {
		t.Fatalf("supply: %s", total.Dec())
	}
	// A zero balance removes the row.
	if err := store.SaveBalance(holder, new(uint256.Int)); err != nil {
		t.Fatalf("zero balance: %v", err)
	}
	balances, _, err = store.LoadTokenState(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("expected empty balances, got %+v", balances)
	}
}

func TestVaultStateRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	account := ethcommon.HexToAddress("0x00000000000000000000000000000000000000e4")
	if err := store.SavePoolBalance(uint256.NewInt(900)); err != nil {
		t.Fatalf("save pool: %v", err)
	}
	if err := store.SaveAccountBalance(account, uint256.NewInt(77)); err != nil {
		t.Fatalf("save account: %v", err)
	}
	pool, accounts, err := store.LoadVaultState(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !pool.Eq(uint256.NewInt(900)) {
		t.Fatalf("pool: %s", pool.Dec())
	}
	if got := accounts[account]; got == nil || !got.Eq(uint256.NewInt(77)) {
		t.Fatalf("account: %+v", accounts)
	}
}

func TestRecordAndListSwaps(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	account := ethcommon.HexToAddress("0x00000000000000000000000000000000000000e5")
	first := amm.SwapRecord{
		Operation:  "mint",
		Account:    account,
		Recipient:  account,
		AmountIn:   uint256.NewInt(1000),
		AmountOut:  uint256.NewInt(996),
		Fee:        uint256.NewInt(3),
		IndexPrice: uint256.NewInt(1),
		CreatedAt:  time.Unix(1700000000, 0),
	}
	second := first
	second.Operation = "redeem"
	second.CreatedAt = time.Unix(1700000100, 0)
	if err := store.RecordSwap(first); err != nil {
		t.Fatalf("record first: %v", err)
	}
	if err := store.RecordSwap(second); err != nil {
		t.Fatalf("record second: %v", err)
	}
	records, err := store.RecentSwaps(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Operation != "redeem" || records[1].Operation != "mint" {
		t.Fatalf("ordering: %+v", records)
	}
	if records[1].Account != account || !records[1].AmountIn.Eq(uint256.NewInt(1000)) {
		t.Fatalf("record content: %+v", records[1])
	}
}

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	store, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
