package oracle

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
)

var (
	usdc = custody.Asset{ID: 1, Symbol: "USDC", Decimals: 6}
	weth = custody.Asset{ID: 2, Symbol: "WETH", Decimals: 18}
	wbtc = custody.Asset{ID: 3, Symbol: "WBTC", Decimals: 8}
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func newTestFeed(t *testing.T) (*PriceFeed, func(time.Duration)) {
	t.Helper()
	now, advance := testClock(time.Unix(1_700_000_000, 0))
	feed := NewPriceFeed(time.Hour, now)
	if err := feed.SetPrice(usdc, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("set USDC price: %v", err)
	}
	if err := feed.SetPrice(weth, decimal.NewFromInt(2_000)); err != nil {
		t.Fatalf("set WETH price: %v", err)
	}
	return feed, advance
}

// === Value ===

func TestValueConvertsAcrossDecimals(t *testing.T) {
	feed, _ := newTestFeed(t)

	// 1.5 WETH at $2000 = 3_000 USDC
	got, err := feed.Value(1_500_000_000_000_000_000, weth, usdc)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if got != 3_000_000_000 {
		t.Errorf("1.5 WETH = %d USDC units, want 3000000000", got)
	}

	// 500 USDC = 0.25 WETH
	got, err = feed.Value(500_000_000, usdc, weth)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if got != 250_000_000_000_000_000 {
		t.Errorf("500 USDC = %d WETH units", got)
	}
}

func TestValueRoundsDown(t *testing.T) {
	feed, _ := newTestFeed(t)
	// 1 wei of WETH is worth 2e-15 USDC units: floors to 0
	got, err := feed.Value(1, weth, usdc)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if got != 0 {
		t.Errorf("1 wei WETH = %d USDC units, want 0", got)
	}
}

func TestValueSameAssetIsIdentity(t *testing.T) {
	feed, _ := newTestFeed(t)
	got, err := feed.Value(123_456, usdc, usdc)
	if err != nil || got != 123_456 {
		t.Fatalf("identity = %d, %v", got, err)
	}
}

func TestValueUnsupportedAsset(t *testing.T) {
	feed, _ := newTestFeed(t)
	_, err := feed.Value(1_00000000, wbtc, usdc)
	if !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Fatalf("error = %v, want ErrUnsupportedAsset", err)
	}
	var ce *errs.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("not a ConfigurationError: %v", err)
	}
	if feed.IsSupported(wbtc) {
		t.Error("WBTC reported supported without a quote")
	}
}

// === Staleness ===

func TestStaleQuoteStillServes(t *testing.T) {
	feed, advance := newTestFeed(t)

	if feed.IsStale(weth) {
		t.Fatal("fresh quote flagged stale")
	}
	advance(2 * time.Hour)
	if !feed.IsStale(weth) {
		t.Fatal("old quote not flagged stale")
	}

	// Valuation keeps working off the last good quote.
	got, err := feed.Value(1_000_000_000_000_000_000, weth, usdc)
	if err != nil {
		t.Fatalf("stale value: %v", err)
	}
	if got != 2_000_000_000 {
		t.Errorf("stale value = %d, want 2000000000", got)
	}

	// A refresh clears the flag.
	if err := feed.SetPrice(weth, decimal.NewFromInt(2_100)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if feed.IsStale(weth) {
		t.Error("refreshed quote still flagged stale")
	}
}

func TestSetPriceRejectsNonPositive(t *testing.T) {
	feed, _ := newTestFeed(t)
	if err := feed.SetPrice(weth, decimal.Zero); err == nil {
		t.Error("zero price accepted")
	}
	if err := feed.SetPrice(weth, decimal.NewFromInt(-5)); err == nil {
		t.Error("negative price accepted")
	}
}
