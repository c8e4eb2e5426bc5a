package lendmarket

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
)

// Set is the named collection of markets an adaptor can route to.
type Set struct {
	markets map[string]*Market
}

func NewSet(markets ...*Market) *Set {
	s := &Set{markets: make(map[string]*Market, len(markets))}
	for _, m := range markets {
		s.markets[m.Name()] = m
	}
	return s
}

func (s *Set) Add(m *Market) { s.markets[m.Name()] = m }

func (s *Set) Get(name string) (*Market, error) {
	m, ok := s.markets[name]
	if !ok {
		return nil, errs.Configuration("market lookup", fmt.Errorf("unknown market %q", name))
	}
	return m, nil
}

// Each visits every market in name order.
func (s *Set) Each(fn func(m *Market)) {
	names := make([]string, 0, len(s.markets))
	for name := range s.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn(s.markets[name])
	}
}

type setMemento struct {
	parts []adaptor.Memento
}

func (s *setMemento) Restore() {
	for _, p := range s.parts {
		p.Restore()
	}
}

// Snapshot captures every market in the set.
func (s *Set) Snapshot() adaptor.Memento {
	snap := &setMemento{parts: make([]adaptor.Memento, 0, len(s.markets))}
	for _, m := range s.markets {
		snap.parts = append(snap.parts, m.Snapshot())
	}
	return snap
}

var _ adaptor.Restorer = (*Set)(nil)

// SupplyAdaptor exposes a market supply position as a credit position:
// its balance counts toward total assets and its withdrawable amount
// shrinks as debt locks collateral.
type SupplyAdaptor struct {
	markets *Set
	vaultID uuid.UUID
}

func NewSupplyAdaptor(markets *Set, vaultID uuid.UUID) *SupplyAdaptor {
	return &SupplyAdaptor{markets: markets, vaultID: vaultID}
}

func (a *SupplyAdaptor) Name() string { return "lendmarket-supply" }

func (a *SupplyAdaptor) IsDebt() bool { return false }

func (a *SupplyAdaptor) AssetOf(cfg adaptor.Config) custody.Asset { return cfg.Asset }

func (a *SupplyAdaptor) BalanceOf(cfg adaptor.Config) (int64, error) {
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return 0, err
	}
	return m.SupplyBalance(a.vaultID, cfg.Asset.ID), nil
}

func (a *SupplyAdaptor) WithdrawableAmount(cfg adaptor.Config) (int64, error) {
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return 0, err
	}
	return m.WithdrawableSupply(a.vaultID, cfg.Asset)
}

func (a *SupplyAdaptor) Deposit(call adaptor.CallContext, amount int64, cfg adaptor.Config) error {
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return err
	}
	reserve := custody.VaultAccount(call.VaultID, cfg.Asset.ID)
	return m.Supply(a.vaultID, cfg.Asset, amount, reserve, call.CommandRef, call.Timestamp)
}

func (a *SupplyAdaptor) Withdraw(call adaptor.CallContext, amount int64, recipient custody.AccountKey, cfg adaptor.Config) error {
	if err := adaptor.AuthorizeRecipient(call, recipient, cfg.Asset); err != nil {
		return err
	}
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return err
	}
	return m.RedeemSupply(a.vaultID, cfg.Asset, amount, recipient, call.CommandRef, call.Timestamp)
}

var _ adaptor.Adaptor = (*SupplyAdaptor)(nil)

// BorrowAdaptor exposes a market borrow position as a debt position.
// Its balance is a liability, it is never withdrawable, and new debt can
// only be minted while the vault tracks the position.
type BorrowAdaptor struct {
	markets *Set
	vaultID uuid.UUID
}

func NewBorrowAdaptor(markets *Set, vaultID uuid.UUID) *BorrowAdaptor {
	return &BorrowAdaptor{markets: markets, vaultID: vaultID}
}

func (a *BorrowAdaptor) Name() string { return "lendmarket-borrow" }

func (a *BorrowAdaptor) IsDebt() bool { return true }

func (a *BorrowAdaptor) AssetOf(cfg adaptor.Config) custody.Asset { return cfg.Asset }

func (a *BorrowAdaptor) BalanceOf(cfg adaptor.Config) (int64, error) {
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return 0, err
	}
	return m.BorrowBalance(a.vaultID, cfg.Asset.ID), nil
}

// WithdrawableAmount is always zero: debt cannot fund withdrawals.
func (a *BorrowAdaptor) WithdrawableAmount(cfg adaptor.Config) (int64, error) {
	return 0, nil
}

// Deposit pays down debt from the vault reserve.
func (a *BorrowAdaptor) Deposit(call adaptor.CallContext, amount int64, cfg adaptor.Config) error {
	_, err := a.Repay(call, amount, cfg)
	return err
}

// Withdraw draws new debt to the recipient, which outside the depositor
// withdraw path must be the vault reserve.
func (a *BorrowAdaptor) Withdraw(call adaptor.CallContext, amount int64, recipient custody.AccountKey, cfg adaptor.Config) error {
	if err := adaptor.AuthorizeRecipient(call, recipient, cfg.Asset); err != nil {
		return err
	}
	return a.borrowTo(call, amount, recipient, cfg)
}

func (a *BorrowAdaptor) Borrow(call adaptor.CallContext, amount int64, cfg adaptor.Config) error {
	reserve := custody.VaultAccount(call.VaultID, cfg.Asset.ID)
	return a.borrowTo(call, amount, reserve, cfg)
}

func (a *BorrowAdaptor) borrowTo(call adaptor.CallContext, amount int64, recipient custody.AccountKey, cfg adaptor.Config) error {
	if call.Tracker == nil || !call.Tracker.IsTracked(call.PositionID) {
		return errs.State("borrow", errs.ErrUntrackedDebt)
	}
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return err
	}
	return m.Borrow(a.vaultID, cfg.Asset, amount, recipient, call.CommandRef, call.Timestamp)
}

func (a *BorrowAdaptor) Repay(call adaptor.CallContext, amount int64, cfg adaptor.Config) (int64, error) {
	m, err := a.markets.Get(cfg.Market)
	if err != nil {
		return 0, err
	}
	reserve := custody.VaultAccount(call.VaultID, cfg.Asset.ID)
	return m.Repay(a.vaultID, cfg.Asset, amount, reserve, call.CommandRef, call.Timestamp)
}

var _ adaptor.DebtAdaptor = (*BorrowAdaptor)(nil)
