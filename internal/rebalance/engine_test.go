package rebalance

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/lendmarket"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/registry"
	"VaultEngine/internal/vault"
)

var (
	usdc = custody.Asset{ID: 1, Symbol: "USDC", Decimals: 6}
	weth = custody.Asset{ID: 2, Symbol: "WETH", Decimals: 18}
)

type harness struct {
	book    *custody.Book
	catalog *registry.Registry
	market  *lendmarket.Market
	v       *vault.Vault
	engine  *Engine

	holdingPos adaptor.PositionID
	usdcSupply adaptor.PositionID
	wethSupply adaptor.PositionID
	wethBorrow adaptor.PositionID
	alice      uuid.UUID
}

// newHarness builds a funded vault with a holding position, USDC and
// WETH supply positions, and a WETH borrow position collateralized by
// the USDC supply. Alice has deposited 10,000 USDC.
func newHarness(t *testing.T) *harness {
	t.Helper()

	current := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return current }

	book := custody.NewBook()
	feed := oracle.NewPriceFeed(0, now)
	if err := feed.SetPrice(usdc, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("price: %v", err)
	}
	if err := feed.SetPrice(weth, decimal.NewFromInt(2_000)); err != nil {
		t.Fatalf("price: %v", err)
	}

	vaultID := uuid.New()
	catalog := registry.New(feed)

	market := lendmarket.New("aavesim", book, feed, usdc, lendmarket.Params{
		CollateralFactor: 800_000_000_000_000_000,
	})
	market.ListAsset(weth)
	if err := market.SeedLiquidity(weth, 100_000_000_000_000_000_000); err != nil {
		t.Fatalf("seed: %v", err)
	}
	markets := lendmarket.NewSet(market)

	v, err := vault.New(vaultID, vault.Params{
		Name:           "usdc-yield",
		Reserve:        usdc,
		LockPeriod:     0,
		MinimumDeposit: 1_000_000,
		DeviationBound: 5_000_000_000_000_000, // 0.5%
	}, book, feed, catalog, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	v.RegisterRestorer(markets)

	holdingAID := catalog.TrustAdaptor(adaptor.NewHoldingAdaptor(book, vaultID))
	supplyAID := catalog.TrustAdaptor(lendmarket.NewSupplyAdaptor(markets, vaultID))
	borrowAID := catalog.TrustAdaptor(lendmarket.NewBorrowAdaptor(markets, vaultID))

	trust := func(aid registry.AdaptorID, cfg adaptor.Config, index int, isDebt bool) adaptor.PositionID {
		id, err := catalog.TrustPosition(aid, cfg)
		if err != nil {
			t.Fatalf("trust: %v", err)
		}
		if err := v.AddPosition(index, id, cfg, isDebt); err != nil {
			t.Fatalf("add position: %v", err)
		}
		return id
	}

	holdingCfg := adaptor.Config{Asset: usdc}
	holdingPos := trust(holdingAID, holdingCfg, 0, false)
	if err := v.SetHoldingPosition(holdingPos); err != nil {
		t.Fatalf("set holding: %v", err)
	}
	usdcSupply := trust(supplyAID, adaptor.Config{Asset: usdc, Market: "aavesim"}, 1, false)
	wethSupply := trust(supplyAID, adaptor.Config{Asset: weth, Market: "aavesim"}, 2, false)
	wethBorrow := trust(borrowAID, adaptor.Config{Asset: weth, Market: "aavesim", Collateral: usdcSupply}, 0, true)

	alice := uuid.New()
	if err := book.Mint(custody.HolderAccount(alice, usdc.ID), 100_000_000_000, custody.JournalTypeDeposit, "fund", 0); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := v.Deposit(alice, alice, 10_000_000_000, "d1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	return &harness{
		book:       book,
		catalog:    catalog,
		market:     market,
		v:          v,
		engine:     NewEngine(v, zerolog.Nop()),
		holdingPos: holdingPos,
		usdcSupply: usdcSupply,
		wethSupply: wethSupply,
		wethBorrow: wethBorrow,
		alice:      alice,
	}
}

func (h *harness) mustTotalAssets(t *testing.T) int64 {
	t.Helper()
	total, err := h.v.TotalAssets()
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	return total
}

// captureState snapshots everything an assertion wants to compare after
// a rollback.
type state struct {
	book       map[custody.AccountKey]int64
	supplyUSDC int64
	supplyWETH int64
	borrowWETH int64
	shares     int64
	holderBal  int64
}

func (h *harness) captureState() state {
	return state{
		book:       h.book.Snapshot(),
		supplyUSDC: h.market.SupplyBalance(h.v.ID(), usdc.ID),
		supplyWETH: h.market.SupplyBalance(h.v.ID(), weth.ID),
		borrowWETH: h.market.BorrowBalance(h.v.ID(), weth.ID),
		shares:     h.v.Shares().TotalShares(),
		holderBal:  h.v.Shares().BalanceOf(h.alice),
	}
}

func (h *harness) assertUnchanged(t *testing.T, before state) {
	t.Helper()
	if !h.book.Equal(before.book) {
		t.Error("custody book changed")
	}
	if got := h.market.SupplyBalance(h.v.ID(), usdc.ID); got != before.supplyUSDC {
		t.Errorf("usdc supply changed: %d -> %d", before.supplyUSDC, got)
	}
	if got := h.market.SupplyBalance(h.v.ID(), weth.ID); got != before.supplyWETH {
		t.Errorf("weth supply changed: %d -> %d", before.supplyWETH, got)
	}
	if got := h.market.BorrowBalance(h.v.ID(), weth.ID); got != before.borrowWETH {
		t.Errorf("weth borrow changed: %d -> %d", before.borrowWETH, got)
	}
	if got := h.v.Shares().TotalShares(); got != before.shares {
		t.Errorf("share supply changed: %d -> %d", before.shares, got)
	}
	if got := h.v.Shares().BalanceOf(h.alice); got != before.holderBal {
		t.Errorf("holder shares changed: %d -> %d", before.holderBal, got)
	}
}

// === Happy path ===

func TestBatchRedeploysWithoutValueChange(t *testing.T) {
	h := newHarness(t)
	sharesBefore := h.v.Shares().BalanceOf(h.alice)

	res, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 6_000_000_000},
	}, "rb1", 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Before != res.After {
		t.Errorf("pure redeploy moved valuation: %d -> %d", res.Before, res.After)
	}
	if got := h.market.SupplyBalance(h.v.ID(), usdc.ID); got != 6_000_000_000 {
		t.Errorf("market supply = %d", got)
	}
	if got := h.mustTotalAssets(t); got != 10_000_000_000 {
		t.Errorf("total assets = %d", got)
	}
	// Rebalancing never touches holder claims.
	if got := h.v.Shares().BalanceOf(h.alice); got != sharesBefore {
		t.Errorf("share balance moved: %d -> %d", sharesBefore, got)
	}
}

func TestBorrowAndRedeployStaysInsideBound(t *testing.T) {
	h := newHarness(t)

	// Supply all reserve, borrow 2 WETH ($4000) against it, redeploy the
	// borrowed WETH as supply. Net valuation unchanged.
	res, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 10_000_000_000},
		{Kind: OpBorrow, PositionID: h.wethBorrow, Amount: 2_000_000_000_000_000_000},
		{Kind: OpDeposit, PositionID: h.wethSupply, Amount: 2_000_000_000_000_000_000},
	}, "rb1", 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Before != 10_000_000_000 || res.After != 10_000_000_000 {
		t.Errorf("valuation %d -> %d", res.Before, res.After)
	}
	if got := h.market.BorrowBalance(h.v.ID(), weth.ID); got != 2_000_000_000_000_000_000 {
		t.Errorf("borrow = %d", got)
	}
}

// === Deviation enforcement ===

func TestDeviationViolationRollsBackByteIdentical(t *testing.T) {
	h := newHarness(t)
	before := h.captureState()
	assetsBefore := h.mustTotalAssets(t)

	// Borrow without redeploying: the debt shows up in the valuation but
	// the borrowed tokens sit outside any position, a 20% loss.
	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 10_000_000_000},
		{Kind: OpBorrow, PositionID: h.wethBorrow, Amount: 1_000_000_000_000_000_000},
	}, "rb1", 1)

	var iv *errs.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("error = %v, want InvariantViolation", err)
	}
	if iv.Before != assetsBefore {
		t.Errorf("violation before = %d, want %d", iv.Before, assetsBefore)
	}
	if iv.After != 8_000_000_000 {
		t.Errorf("violation after = %d, want 8000000000", iv.After)
	}
	h.assertUnchanged(t, before)
	if got := h.mustTotalAssets(t); got != assetsBefore {
		t.Errorf("total assets after rollback = %d", got)
	}
}

func TestDeviationExactlyOnBoundPasses(t *testing.T) {
	h := newHarness(t)

	// 0.5% of 10,000 USDC is 50 USDC: borrow 0.025 WETH ($50) and leave
	// it undeployed. Deviation lands exactly on the bound.
	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 10_000_000_000},
		{Kind: OpBorrow, PositionID: h.wethBorrow, Amount: 25_000_000_000_000_000},
	}, "rb1", 1)
	if err != nil {
		t.Fatalf("on-bound batch rejected: %v", err)
	}
}

// === Op validation ===

func TestBatchRejectsUntrackedTargetUpFront(t *testing.T) {
	h := newHarness(t)
	before := h.captureState()

	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 1_000_000_000},
		{Kind: OpBorrow, PositionID: 999, Amount: 1},
	}, "rb1", 1)

	if !errors.Is(err, errs.ErrUnknownPosition) {
		t.Fatalf("error = %v", err)
	}
	var ce *errs.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("not ConfigurationError: %v", err)
	}
	// Validation happens before execution: op 0 must not have run.
	h.assertUnchanged(t, before)
}

func TestBatchRejectsMalformedOps(t *testing.T) {
	h := newHarness(t)

	if _, err := h.engine.ExecuteBatch(nil, "rb1", 1); err == nil {
		t.Error("empty batch accepted")
	}
	if _, err := h.engine.ExecuteBatch([]Op{{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 0}}, "rb2", 1); err == nil {
		t.Error("zero amount accepted")
	}
	if _, err := h.engine.ExecuteBatch([]Op{{Kind: OpUnknown}}, "rb3", 1); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := h.engine.ExecuteBatch([]Op{{Kind: OpRepay, PositionID: h.usdcSupply, Amount: 1}}, "rb4", 1); err == nil {
		t.Error("repay on credit position accepted")
	}
}

func TestRepayWithoutDebtRollsBack(t *testing.T) {
	h := newHarness(t)
	before := h.captureState()

	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 1_000_000_000},
		{Kind: OpRepay, PositionID: h.wethBorrow, Amount: 1_000_000_000_000_000_000},
	}, "rb1", 1)

	if !errors.Is(err, errs.ErrNoDebtOwed) {
		t.Fatalf("error = %v", err)
	}
	h.assertUnchanged(t, before)
}

// === Nested batches ===

func TestNestedBatchSkipsInnerDeviationCheck(t *testing.T) {
	h := newHarness(t)

	// The inner batch alone would deviate wildly (borrow undeployed),
	// but the outer batch redeploys before the only check runs.
	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 10_000_000_000},
		{Kind: OpBatch, Sub: []Op{
			{Kind: OpBorrow, PositionID: h.wethBorrow, Amount: 2_000_000_000_000_000_000},
		}},
		{Kind: OpDeposit, PositionID: h.wethSupply, Amount: 2_000_000_000_000_000_000},
	}, "rb1", 1)
	if err != nil {
		t.Fatalf("nested batch: %v", err)
	}
	if got := h.mustTotalAssets(t); got != 10_000_000_000 {
		t.Errorf("total assets = %d", got)
	}
}

// === Flash advances ===

func TestAdvanceMustBeReturned(t *testing.T) {
	h := newHarness(t)
	before := h.captureState()

	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpAdvance, Amount: 1_000_000_000},
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 1_000_000_000},
	}, "rb1", 1)

	if !errors.Is(err, errs.ErrAdvanceNotRepaid) {
		t.Fatalf("error = %v", err)
	}
	h.assertUnchanged(t, before)
}

func TestAdvanceRoundtrip(t *testing.T) {
	h := newHarness(t)

	// Use an advance to supply ahead of the reserve, then unwind it.
	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpAdvance, Amount: 5_000_000_000},
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 15_000_000_000},
		{Kind: OpWithdraw, PositionID: h.usdcSupply, Amount: 5_000_000_000},
		{Kind: OpReturnAdvance, Amount: 5_000_000_000},
	}, "rb1", 1)
	if err != nil {
		t.Fatalf("advance roundtrip: %v", err)
	}
	if got := h.mustTotalAssets(t); got != 10_000_000_000 {
		t.Errorf("total assets = %d", got)
	}
	if got := h.market.SupplyBalance(h.v.ID(), usdc.ID); got != 10_000_000_000 {
		t.Errorf("market supply = %d", got)
	}
}

func TestReturnAdvanceBeyondOutstandingFails(t *testing.T) {
	h := newHarness(t)
	before := h.captureState()

	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpAdvance, Amount: 1_000_000_000},
		{Kind: OpReturnAdvance, Amount: 2_000_000_000},
	}, "rb1", 1)
	if err == nil {
		t.Fatal("over-return accepted")
	}
	h.assertUnchanged(t, before)
}

// === Reentrancy ===

func TestBatchWhileVaultBusyRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.v.BeginExclusive(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.v.EndExclusive()

	_, err := h.engine.ExecuteBatch([]Op{
		{Kind: OpDeposit, PositionID: h.usdcSupply, Amount: 1},
	}, "rb1", 1)
	if !errors.Is(err, errs.ErrReentrantCall) {
		t.Fatalf("error = %v", err)
	}
}
