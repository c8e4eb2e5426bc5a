package adaptor

import (
	"fmt"

	"github.com/google/uuid"

	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
)

// HoldingAdaptor is the degenerate credit adaptor for the vault's own
// reserve. Its balance is the vault account in the custody book, so
// Deposit is a no-op (deposited funds already sit in the reserve) and
// Withdraw pays straight out of it.
type HoldingAdaptor struct {
	book    *custody.Book
	vaultID uuid.UUID
}

func NewHoldingAdaptor(book *custody.Book, vaultID uuid.UUID) *HoldingAdaptor {
	return &HoldingAdaptor{book: book, vaultID: vaultID}
}

func (h *HoldingAdaptor) Name() string { return "holding" }

func (h *HoldingAdaptor) IsDebt() bool { return false }

func (h *HoldingAdaptor) AssetOf(cfg Config) custody.Asset { return cfg.Asset }

func (h *HoldingAdaptor) BalanceOf(cfg Config) (int64, error) {
	return h.book.Balance(custody.VaultAccount(h.vaultID, cfg.Asset.ID)), nil
}

// WithdrawableAmount equals the full balance: reserve cash is always
// liquid.
func (h *HoldingAdaptor) WithdrawableAmount(cfg Config) (int64, error) {
	return h.BalanceOf(cfg)
}

func (h *HoldingAdaptor) Deposit(call CallContext, amount int64, cfg Config) error {
	if amount <= 0 {
		return errs.State("holding deposit", errs.ErrZeroAmount)
	}
	return nil
}

func (h *HoldingAdaptor) Withdraw(call CallContext, amount int64, recipient custody.AccountKey, cfg Config) error {
	if amount <= 0 {
		return errs.State("holding withdraw", errs.ErrZeroAmount)
	}
	if err := AuthorizeRecipient(call, recipient, cfg.Asset); err != nil {
		return err
	}
	source := custody.VaultAccount(h.vaultID, cfg.Asset.ID)
	if recipient == source {
		// Rebalance moving reserve to reserve: nothing to do.
		return nil
	}
	if err := h.book.Transfer(source, recipient, amount, custody.JournalTypeWithdrawal, call.CommandRef, call.Timestamp); err != nil {
		return fmt.Errorf("holding withdraw: %w", err)
	}
	return nil
}

var _ Adaptor = (*HoldingAdaptor)(nil)
