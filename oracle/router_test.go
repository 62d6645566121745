package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/fixedmath"
)

type stubObservation struct {
	value      *big.Int
	observedAt time.Time
	err        error
}

type stubSource struct {
	observations map[string]stubObservation
}

func (s *stubSource) GetLatest(_ context.Context, handle string) (*big.Int, time.Time, error) {
	obs, ok := s.observations[handle]
	if !ok {
		return nil, time.Time{}, errors.New("unknown handle")
	}
	return obs.value, obs.observedAt, obs.err
}

var manager = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a1")

func buildTestRouter(t *testing.T, base time.Time, source *stubSource) *Router {
	t.Helper()
	roles := auth.NewStaticRegistry()
	roles.Grant(auth.RoleOracleManager, manager)
	router := NewRouter(source, roles)
	router.WithClock(func() time.Time { return base })
	return router
}

func TestSetFeedRequiresRole(t *testing.T) {
	router := buildTestRouter(t, time.Now(), &stubSource{})
	intruder := ethcommon.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := router.SetFeed(intruder, "BTC", "btc-usd", false, 8); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSetFeedRejectsEmptySource(t *testing.T) {
	router := buildTestRouter(t, time.Now(), &stubSource{})
	if err := router.SetFeed(manager, "BTC", "  ", false, 8); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestSetFeedIdempotent(t *testing.T) {
	router := buildTestRouter(t, time.Now(), &stubSource{})
	if err := router.SetFeed(manager, "BTC", "btc-usd", false, 8); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	first, ok := router.FeedConfigFor("BTC")
	if !ok {
		t.Fatal("feed missing after set")
	}
	if err := router.SetFeed(manager, "BTC", "btc-usd", false, 8); err != nil {
		t.Fatalf("set feed again: %v", err)
	}
	second, _ := router.FeedConfigFor("BTC")
	if first != second {
		t.Fatalf("config changed on identical set: %+v vs %+v", first, second)
	}
}

func TestSetMaxAgeSnapshotSemantics(t *testing.T) {
	base := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	source := &stubSource{observations: map[string]stubObservation{
		"btc-usd": {value: big.NewInt(5_000_000_000_000), observedAt: base.Add(-30 * time.Second)},
	}}
	router := buildTestRouter(t, base, source)
	if err := router.SetMaxAge(manager, 10*time.Second); err != nil {
		t.Fatalf("set max age: %v", err)
	}
	if err := router.SetFeed(manager, "BTC", "btc-usd", false, 8); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	// Raising the global default must not retroactively widen the feed window.
	if err := router.SetMaxAge(manager, time.Hour); err != nil {
		t.Fatalf("widen max age: %v", err)
	}
	if _, err := router.LatestPrice(context.Background(), "BTC"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice under snapshotted window, got %v", err)
	}
	cfg, _ := router.FeedConfigFor("BTC")
	if cfg.MaxAge != 10*time.Second {
		t.Fatalf("feed max age mutated: %s", cfg.MaxAge)
	}
}

func TestSetMaxAgeRejectsZero(t *testing.T) {
	router := buildTestRouter(t, time.Now(), &stubSource{})
	if err := router.SetMaxAge(manager, 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestLatestPriceNormalizes(t *testing.T) {
	base := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	source := &stubSource{observations: map[string]stubObservation{
		"eur-usd": {value: big.NewInt(120_000_000), observedAt: base.Add(-time.Second)},
	}}
	router := buildTestRouter(t, base, source)
	if err := router.SetFeed(manager, "EUR", "eur-usd", false, 8); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	price, err := router.LatestPrice(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if got := fixedmath.ToDecimal(price.Value); got != "1.2" {
		t.Fatalf("unexpected normalized price: %s", got)
	}
	if !price.ObservedAt.Equal(base.Add(-time.Second)) {
		t.Fatalf("unexpected observed timestamp: %s", price.ObservedAt)
	}
}

func TestLatestPriceInverts(t *testing.T) {
	base := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	source := &stubSource{observations: map[string]stubObservation{
		"usd-jpy": {value: big.NewInt(125_000_000), observedAt: base},
	}}
	router := buildTestRouter(t, base, source)
	if err := router.SetFeed(manager, "JPY", "usd-jpy", true, 8); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	price, err := router.LatestPrice(context.Background(), "JPY")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if got := fixedmath.ToDecimal(price.Value); got != "0.8" {
		t.Fatalf("unexpected inverted price: %s", got)
	}
}

func TestLatestPriceFailures(t *testing.T) {
	base := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	source := &stubSource{observations: map[string]stubObservation{
		"neg":   {value: big.NewInt(-1), observedAt: base},
		"zero":  {value: big.NewInt(0), observedAt: base},
		"old":   {value: big.NewInt(100), observedAt: base.Add(-11 * time.Second)},
		"fresh": {value: big.NewInt(100_000_000), observedAt: base.Add(-9 * time.Second)},
	}}
	router := buildTestRouter(t, base, source)
	if err := router.SetMaxAge(manager, 10*time.Second); err != nil {
		t.Fatalf("set max age: %v", err)
	}
	for asset, handle := range map[string]string{"NEG": "neg", "ZERO": "zero", "OLD": "old", "FRESH": "fresh"} {
		if err := router.SetFeed(manager, asset, handle, false, 8); err != nil {
			t.Fatalf("set feed %s: %v", asset, err)
		}
	}

	if _, err := router.LatestPrice(context.Background(), "MISSING"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
	if _, err := router.LatestPrice(context.Background(), "NEG"); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative, got %v", err)
	}
	if _, err := router.LatestPrice(context.Background(), "ZERO"); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero, got %v", err)
	}
	if _, err := router.LatestPrice(context.Background(), "OLD"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice at 11s, got %v", err)
	}
	if _, err := router.LatestPrice(context.Background(), "FRESH"); err != nil {
		t.Fatalf("expected fresh price at 9s, got %v", err)
	}
}
