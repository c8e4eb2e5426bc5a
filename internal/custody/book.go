package custody

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"VaultEngine/internal/errs"
)

// Book tracks in-memory custody balances and records every move as a
// journal. The rebalance engine snapshots and restores it wholesale, so
// all state lives in the balances map.
type Book struct {
	balances map[AccountKey]int64

	// journal rows accumulated since the last Drain, handed to the
	// persistence worker by the core.
	pending []Journal
	seq     int64
}

func NewBook() *Book {
	return &Book{
		balances: make(map[AccountKey]int64),
	}
}

// Balance returns the current balance for an account. Unknown accounts
// are zero.
func (b *Book) Balance(key AccountKey) int64 {
	return b.balances[key]
}

// Transfer moves amount from one account to another and records the
// journal. Sources outside ScopeExternal must cover the amount.
func (b *Book) Transfer(from, to AccountKey, amount int64, jt JournalType, commandRef string, ts int64) error {
	if amount <= 0 {
		return errs.State("custody transfer", errs.ErrZeroAmount)
	}
	if from == to {
		return errs.State("custody transfer", fmt.Errorf("self transfer on %s", from.AccountPath()))
	}
	if from.AssetID != to.AssetID {
		return errs.State("custody transfer",
			fmt.Errorf("asset mismatch: %s -> %s", from.AccountPath(), to.AccountPath()))
	}
	if from.Scope != ScopeExternal && b.balances[from] < amount {
		return errs.State("custody transfer",
			fmt.Errorf("%s holds %d, need %d: %w", from.AccountPath(), b.balances[from], amount, errs.ErrInsufficientLiquidity))
	}

	b.balances[from] -= amount
	b.balances[to] += amount
	b.seq++
	b.pending = append(b.pending, Journal{
		JournalID:     uuid.New(),
		CommandRef:    commandRef,
		Sequence:      b.seq,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     ts,
	})
	return nil
}

// Mint credits an account from the external boundary. Used for seeding
// holder wallets from confirmed on-chain inflow and for simulated yield.
func (b *Book) Mint(to AccountKey, amount int64, jt JournalType, commandRef string, ts int64) error {
	return b.Transfer(ExternalAccount(to.AssetID), to, amount, jt, commandRef, ts)
}

// Drain returns the journals recorded since the last call and clears the
// pending list.
func (b *Book) Drain() []Journal {
	out := b.pending
	b.pending = nil
	return out
}

// Snapshot copies all balances. The journal pending list is deliberately
// excluded: a rolled-back batch must not persist its moves, so callers
// snapshot, run, and on failure Restore then Drain-and-discard.
func (b *Book) Snapshot() map[AccountKey]int64 {
	snap := make(map[AccountKey]int64, len(b.balances))
	for k, v := range b.balances {
		snap[k] = v
	}
	return snap
}

// Restore replaces all balances with a snapshot taken earlier and drops
// journals recorded since.
func (b *Book) Restore(snap map[AccountKey]int64) {
	b.balances = make(map[AccountKey]int64, len(snap))
	for k, v := range snap {
		b.balances[k] = v
	}
	b.pending = nil
}

// Equal reports whether the book's balances match a snapshot exactly,
// ignoring zero entries on either side.
func (b *Book) Equal(snap map[AccountKey]int64) bool {
	for k, v := range b.balances {
		if v != snap[k] {
			return false
		}
	}
	for k, v := range snap {
		if v != b.balances[k] {
			return false
		}
	}
	return true
}

// GlobalTotals sums balances per asset. With the external boundary scope
// included every asset must total zero.
func (b *Book) GlobalTotals() map[AssetID]int64 {
	totals := make(map[AssetID]int64)
	for key, bal := range b.balances {
		totals[key.AssetID] += bal
	}
	return totals
}

// ValidateZeroSum verifies the zero-sum invariant across all assets.
// The core treats a failure here as fatal.
func (b *Book) ValidateZeroSum() error {
	totals := b.GlobalTotals()
	ids := make([]AssetID, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if totals[id] != 0 {
			return fmt.Errorf("custody book for asset %d is non-zero: %d", id, totals[id])
		}
	}
	return nil
}
