// Package adaptor defines the capability contract between the vault and
// the venues it deploys capital into. An adaptor prices and moves one
// kind of position; the vault composes them through a position catalog
// and never talks to a venue directly.
package adaptor

import (
	"github.com/google/uuid"

	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
)

// PositionID identifies a trusted position in the vault catalog.
type PositionID uint32

// Config is the per-position configuration captured when a position is
// trusted. Adaptors read only the fields they care about.
type Config struct {
	// Asset the position is denominated in.
	Asset custody.Asset
	// Market is the venue name for market-backed positions. Empty for
	// the holding position.
	Market string
	// Collateral is the paired supply position backing a debt position.
	Collateral PositionID
}

// PositionTracker answers whether a position id is currently held by the
// vault. Debt adaptors consult it before minting new debt.
type PositionTracker interface {
	IsTracked(id PositionID) bool
}

// CallContext carries the identity and authority of one adaptor call.
type CallContext struct {
	VaultID    uuid.UUID
	PositionID PositionID
	// UserWithdrawsAllowed is true only on the depositor withdraw path.
	// Rebalance calls run with it false, pinning all proceeds to the
	// vault reserve.
	UserWithdrawsAllowed bool
	Tracker              PositionTracker
	CommandRef           string
	Timestamp            int64
}

// Adaptor prices and moves one position type.
type Adaptor interface {
	Name() string
	// IsDebt reports whether balances of this adaptor are liabilities.
	IsDebt() bool
	AssetOf(cfg Config) custody.Asset
	// BalanceOf returns the position balance in the position's asset.
	BalanceOf(cfg Config) (int64, error)
	// WithdrawableAmount returns how much of the balance could leave the
	// position right now. Zero for debt positions.
	WithdrawableAmount(cfg Config) (int64, error)
	// Deposit moves amount from the vault reserve into the position.
	Deposit(call CallContext, amount int64, cfg Config) error
	// Withdraw moves amount out of the position to recipient.
	Withdraw(call CallContext, amount int64, recipient custody.AccountKey, cfg Config) error
}

// DebtAdaptor extends Adaptor with liability management.
type DebtAdaptor interface {
	Adaptor
	// Borrow mints debt against the paired collateral position and sends
	// proceeds to the vault reserve.
	Borrow(call CallContext, amount int64, cfg Config) error
	// Repay pays outstanding debt from the vault reserve and returns the
	// amount actually applied.
	Repay(call CallContext, amount int64, cfg Config) (int64, error)
}

// Memento restores previously captured state. Restore may be called at
// most once.
type Memento interface {
	Restore()
}

// Restorer is implemented by every stateful component the rebalance
// engine must be able to roll back atomically.
type Restorer interface {
	Snapshot() Memento
}

// AuthorizeRecipient enforces the withdraw recipient rule: outside the
// depositor withdraw path, proceeds may only land in the vault reserve.
func AuthorizeRecipient(call CallContext, recipient custody.AccountKey, asset custody.Asset) error {
	if call.UserWithdrawsAllowed {
		return nil
	}
	if recipient != custody.VaultAccount(call.VaultID, asset.ID) {
		return errs.Authorization("adaptor withdraw", errs.ErrRecipientNotVault)
	}
	return nil
}
