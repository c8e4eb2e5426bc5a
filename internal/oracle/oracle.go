// Package oracle converts asset amounts into a common unit of account.
//
// Valuation never hard-fails on a stale quote: the last good price keeps
// serving and staleness is surfaced as an advisory flag the caller can
// export. Only a completely unconfigured asset is an error.
package oracle

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
)

// Oracle values amounts of one asset in another.
type Oracle interface {
	// Value converts amount of from into units of to, rounded down.
	Value(amount int64, from, to custody.Asset) (int64, error)
	// IsSupported reports whether the asset has a configured price route.
	IsSupported(asset custody.Asset) bool
	// IsStale reports whether the asset's last quote is older than the
	// staleness window. Advisory only.
	IsStale(asset custody.Asset) bool
}

type quote struct {
	price     decimal.Decimal // unit-of-account per whole token
	updatedAt time.Time
}

// PriceFeed is the reference Oracle: a quote table keyed by asset id,
// fed by operator price updates.
type PriceFeed struct {
	quotes          map[custody.AssetID]quote
	stalenessWindow time.Duration
	now             func() time.Time
}

// NewPriceFeed builds an empty feed. A non-positive staleness window
// disables the staleness flag entirely.
func NewPriceFeed(stalenessWindow time.Duration, now func() time.Time) *PriceFeed {
	if now == nil {
		now = time.Now
	}
	return &PriceFeed{
		quotes:          make(map[custody.AssetID]quote),
		stalenessWindow: stalenessWindow,
		now:             now,
	}
}

// SetPrice installs or refreshes a quote. Price must be positive.
func (f *PriceFeed) SetPrice(asset custody.Asset, price decimal.Decimal) error {
	if !price.IsPositive() {
		return errs.Configuration("set price",
			fmt.Errorf("price for %s must be positive, got %s", asset.Symbol, price))
	}
	f.quotes[asset.ID] = quote{price: price, updatedAt: f.now()}
	return nil
}

// EachQuote visits every quote in asset id order.
func (f *PriceFeed) EachQuote(fn func(asset custody.AssetID, price decimal.Decimal, updatedAt time.Time)) {
	ids := make([]custody.AssetID, 0, len(f.quotes))
	for id := range f.quotes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		q := f.quotes[id]
		fn(id, q.price, q.updatedAt)
	}
}

// RestorePrice reinstates a quote with its original update time during
// snapshot recovery, preserving staleness across restarts.
func (f *PriceFeed) RestorePrice(asset custody.Asset, price decimal.Decimal, updatedAt time.Time) {
	f.quotes[asset.ID] = quote{price: price, updatedAt: updatedAt}
}

func (f *PriceFeed) IsSupported(asset custody.Asset) bool {
	_, ok := f.quotes[asset.ID]
	return ok
}

func (f *PriceFeed) IsStale(asset custody.Asset) bool {
	q, ok := f.quotes[asset.ID]
	if !ok || f.stalenessWindow <= 0 {
		return false
	}
	return f.now().Sub(q.updatedAt) > f.stalenessWindow
}

// Value converts amount of from into to units. The result is floored so
// valuation never credits dust the vault does not hold.
func (f *PriceFeed) Value(amount int64, from, to custody.Asset) (int64, error) {
	if from.ID == to.ID {
		return amount, nil
	}
	fromQuote, ok := f.quotes[from.ID]
	if !ok {
		return 0, errs.Configuration("value",
			fmt.Errorf("%s: %w", from.Symbol, errs.ErrUnsupportedAsset))
	}
	toQuote, ok := f.quotes[to.ID]
	if !ok {
		return 0, errs.Configuration("value",
			fmt.Errorf("%s: %w", to.Symbol, errs.ErrUnsupportedAsset))
	}

	// whole tokens of from -> unit of account -> whole tokens of to
	value := decimal.New(amount, -int32(from.Decimals)).
		Mul(fromQuote.price).
		DivRound(toQuote.price, 38).
		Shift(int32(to.Decimals)).
		Floor()

	if value.BigInt().BitLen() > 62 {
		return 0, errs.State("value",
			fmt.Errorf("converted amount overflows: %s %s -> %s", value, from.Symbol, to.Symbol))
	}
	return value.IntPart(), nil
}

var _ Oracle = (*PriceFeed)(nil)
