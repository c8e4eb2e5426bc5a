// Package lendmarket simulates a pooled lending venue: suppliers earn
// yield on deposited assets and may borrow other assets against them up
// to a collateral factor. It is the in-process stand-in the reference
// adaptors run against.
package lendmarket

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/fixedpoint"
	"VaultEngine/internal/oracle"
)

// Params bound how far an owner can lever.
type Params struct {
	// CollateralFactor caps borrow value at supply value * factor.
	// Expressed at fixedpoint.BoundScale (0.8 = 8e17).
	CollateralFactor int64
}

type ownerAsset struct {
	owner uuid.UUID
	asset custody.AssetID
}

// Market holds the venue's pool and per-owner supply/borrow positions.
// Custody of the pooled tokens lives in the shared book under the
// market account.
type Market struct {
	name   string
	book   *custody.Book
	prices oracle.Oracle
	quote  custody.Asset
	params Params

	assets map[custody.AssetID]custody.Asset
	supply map[ownerAsset]int64
	borrow map[ownerAsset]int64
}

func New(name string, book *custody.Book, prices oracle.Oracle, quote custody.Asset, params Params) *Market {
	return &Market{
		name:   name,
		book:   book,
		prices: prices,
		quote:  quote,
		params: params,
		assets: map[custody.AssetID]custody.Asset{quote.ID: quote},
		supply: make(map[ownerAsset]int64),
		borrow: make(map[ownerAsset]int64),
	}
}

func (m *Market) Name() string { return m.name }

// ListAsset makes an asset usable on this market.
func (m *Market) ListAsset(asset custody.Asset) {
	m.assets[asset.ID] = asset
}

func (m *Market) account(asset custody.AssetID) custody.AccountKey {
	return custody.MarketAccount(m.name, asset)
}

// SeedLiquidity mints pool-side liquidity owned by nobody in particular,
// standing in for the venue's other suppliers.
func (m *Market) SeedLiquidity(asset custody.Asset, amount int64) error {
	return m.book.Mint(m.account(asset.ID), amount, custody.JournalTypeAdjustment, "seed:"+m.name, 0)
}

// SupplyBalance returns the owner's supplied amount of asset.
func (m *Market) SupplyBalance(owner uuid.UUID, asset custody.AssetID) int64 {
	return m.supply[ownerAsset{owner, asset}]
}

// BorrowBalance returns the owner's outstanding debt in asset.
func (m *Market) BorrowBalance(owner uuid.UUID, asset custody.AssetID) int64 {
	return m.borrow[ownerAsset{owner, asset}]
}

// EachPosition visits every owner/asset pair with a non-zero supply or
// borrow balance, in owner then asset order.
func (m *Market) EachPosition(fn func(owner uuid.UUID, asset custody.AssetID, supplied, borrowed int64)) {
	seen := make(map[ownerAsset]bool, len(m.supply)+len(m.borrow))
	keys := make([]ownerAsset, 0, len(m.supply)+len(m.borrow))
	for k := range m.supply {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range m.borrow {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].owner[:], keys[j].owner[:]); c != 0 {
			return c < 0
		}
		return keys[i].asset < keys[j].asset
	})
	for _, k := range keys {
		if m.supply[k] == 0 && m.borrow[k] == 0 {
			continue
		}
		fn(k.owner, k.asset, m.supply[k], m.borrow[k])
	}
}

// RestorePosition reinstates an owner's supply and borrow balances for
// one asset during snapshot recovery. Pool custody is restored through
// the book separately.
func (m *Market) RestorePosition(owner uuid.UUID, asset custody.AssetID, supplied, borrowed int64) {
	key := ownerAsset{owner, asset}
	if supplied != 0 {
		m.supply[key] = supplied
	}
	if borrowed != 0 {
		m.borrow[key] = borrowed
	}
}

// Supply pulls amount from the funding account into the pool and credits
// the owner's supply position.
func (m *Market) Supply(owner uuid.UUID, asset custody.Asset, amount int64, from custody.AccountKey, ref string, ts int64) error {
	if amount <= 0 {
		return errs.State("market supply", errs.ErrZeroAmount)
	}
	if _, ok := m.assets[asset.ID]; !ok {
		return errs.Configuration("market supply",
			fmt.Errorf("asset %s not listed on %s", asset.Symbol, m.name))
	}
	if err := m.book.Transfer(from, m.account(asset.ID), amount, custody.JournalTypeStrategySupply, ref, ts); err != nil {
		return err
	}
	m.supply[ownerAsset{owner, asset.ID}] += amount
	return nil
}

// RedeemSupply pays amount of the owner's supplied asset to the given
// account. The amount must be within WithdrawableSupply.
func (m *Market) RedeemSupply(owner uuid.UUID, asset custody.Asset, amount int64, to custody.AccountKey, ref string, ts int64) error {
	if amount <= 0 {
		return errs.State("market redeem", errs.ErrZeroAmount)
	}
	withdrawable, err := m.WithdrawableSupply(owner, asset)
	if err != nil {
		return err
	}
	if amount > withdrawable {
		return errs.State("market redeem",
			fmt.Errorf("redeem %d exceeds withdrawable %d: %w", amount, withdrawable, errs.ErrInsufficientLiquidity))
	}
	if err := m.book.Transfer(m.account(asset.ID), to, amount, custody.JournalTypeStrategyRedeem, ref, ts); err != nil {
		return err
	}
	m.supply[ownerAsset{owner, asset.ID}] -= amount
	return nil
}

// Borrow mints debt against the owner's supplied collateral and pays the
// proceeds to the given account. Fails without mutation when the
// resulting debt would exceed the collateral factor.
func (m *Market) Borrow(owner uuid.UUID, asset custody.Asset, amount int64, to custody.AccountKey, ref string, ts int64) error {
	if amount <= 0 {
		return errs.State("market borrow", errs.ErrZeroAmount)
	}
	if _, ok := m.assets[asset.ID]; !ok {
		return errs.Configuration("market borrow",
			fmt.Errorf("asset %s not listed on %s", asset.Symbol, m.name))
	}

	capacity, err := m.borrowCapacity(owner)
	if err != nil {
		return err
	}
	debtValue, err := m.borrowValue(owner, ownerAsset{owner, asset.ID}, amount)
	if err != nil {
		return err
	}
	if debtValue > capacity {
		return &errs.InvariantViolation{
			Op:     fmt.Sprintf("market %s borrow health", m.name),
			Before: capacity,
			After:  debtValue,
			Bound:  m.params.CollateralFactor,
		}
	}

	if err := m.book.Transfer(m.account(asset.ID), to, amount, custody.JournalTypeBorrow, ref, ts); err != nil {
		return err
	}
	m.borrow[ownerAsset{owner, asset.ID}] += amount
	return nil
}

// Repay pays down the owner's debt from the funding account, capped at
// the outstanding balance, and returns the amount applied. Repaying a
// position with no debt is an error.
func (m *Market) Repay(owner uuid.UUID, asset custody.Asset, amount int64, from custody.AccountKey, ref string, ts int64) (int64, error) {
	if amount <= 0 {
		return 0, errs.State("market repay", errs.ErrZeroAmount)
	}
	key := ownerAsset{owner, asset.ID}
	debt := m.borrow[key]
	if debt == 0 {
		return 0, errs.State("market repay", errs.ErrNoDebtOwed)
	}
	applied := amount
	if applied > debt {
		applied = debt
	}
	if err := m.book.Transfer(from, m.account(asset.ID), applied, custody.JournalTypeRepay, ref, ts); err != nil {
		return 0, err
	}
	m.borrow[key] = debt - applied
	return applied, nil
}

// AccrueSupplyYield credits earned yield to an owner's supply position,
// minting the tokens into the pool.
func (m *Market) AccrueSupplyYield(owner uuid.UUID, asset custody.Asset, amount int64, ref string, ts int64) error {
	if amount <= 0 {
		return errs.State("market yield", errs.ErrZeroAmount)
	}
	key := ownerAsset{owner, asset.ID}
	if m.supply[key] == 0 {
		return errs.State("market yield", fmt.Errorf("owner has no supply position in %s", asset.Symbol))
	}
	if err := m.book.Mint(m.account(asset.ID), amount, custody.JournalTypeYield, ref, ts); err != nil {
		return err
	}
	m.supply[key] += amount
	return nil
}

// WithdrawableSupply returns how much of the owner's supplied asset can
// leave the pool without breaching the collateral requirement of the
// owner's outstanding debt.
func (m *Market) WithdrawableSupply(owner uuid.UUID, asset custody.Asset) (int64, error) {
	balance := m.supply[ownerAsset{owner, asset.ID}]
	if balance == 0 {
		return 0, nil
	}
	debtValue, err := m.borrowValue(owner, ownerAsset{}, 0)
	if err != nil {
		return 0, err
	}
	if debtValue == 0 {
		return balance, nil
	}

	// Collateral that must stay: debtValue / collateralFactor, rounded up
	// so the locked amount always covers the debt.
	requiredValue := fixedpoint.MulDiv(debtValue, fixedpoint.BoundScale, m.params.CollateralFactor, fixedpoint.RoundUp)
	supplyValue, err := m.supplyValue(owner)
	if err != nil {
		return 0, err
	}
	excess := supplyValue - requiredValue
	if excess <= 0 {
		return 0, nil
	}
	free, err := m.prices.Value(excess, m.quote, m.assets[asset.ID])
	if err != nil {
		return 0, err
	}
	if free > balance {
		free = balance
	}
	return free, nil
}

// borrowCapacity values the owner's supply and applies the collateral
// factor, rounding down.
func (m *Market) borrowCapacity(owner uuid.UUID) (int64, error) {
	supplyValue, err := m.supplyValue(owner)
	if err != nil {
		return 0, err
	}
	return fixedpoint.ApplyRatio(supplyValue, m.params.CollateralFactor, fixedpoint.RoundDown), nil
}

func (m *Market) supplyValue(owner uuid.UUID) (int64, error) {
	var total int64
	for key, bal := range m.supply {
		if key.owner != owner || bal == 0 {
			continue
		}
		v, err := m.prices.Value(bal, m.assets[key.asset], m.quote)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// borrowValue values the owner's debt in the quote asset, optionally
// including a prospective extra borrow, rounded up per debt leg.
func (m *Market) borrowValue(owner uuid.UUID, extraKey ownerAsset, extra int64) (int64, error) {
	amounts := make(map[ownerAsset]int64)
	for key, bal := range m.borrow {
		if key.owner == owner && bal != 0 {
			amounts[key] += bal
		}
	}
	if extra > 0 {
		amounts[extraKey] += extra
	}
	var total int64
	for key, bal := range amounts {
		// Value each debt leg with a ceiling: the oracle floors, and a
		// floored liability would understate the debt. ceil(x) == -floor(-x).
		v, err := m.prices.Value(-bal, m.assets[key.asset], m.quote)
		if err != nil {
			return 0, err
		}
		total += -v
	}
	return total, nil
}

type marketMemento struct {
	m      *Market
	supply map[ownerAsset]int64
	borrow map[ownerAsset]int64
}

func (s *marketMemento) Restore() {
	s.m.supply = s.supply
	s.m.borrow = s.borrow
}

// Snapshot captures supply and borrow positions for atomic rollback.
// Pool custody is rolled back through the shared book's own snapshot.
func (m *Market) Snapshot() adaptor.Memento {
	supply := make(map[ownerAsset]int64, len(m.supply))
	for k, v := range m.supply {
		supply[k] = v
	}
	borrow := make(map[ownerAsset]int64, len(m.borrow))
	for k, v := range m.borrow {
		borrow[k] = v
	}
	return &marketMemento{m: m, supply: supply, borrow: borrow}
}

var _ adaptor.Restorer = (*Market)(nil)
