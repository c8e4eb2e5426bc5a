// Package vault implements the pooled-capital accounting core: an
// ordered set of adaptor-managed positions, a share ledger, and the
// deposit/withdraw surface depositors see.
package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/fixedpoint"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/registry"
)

// Position is one active vault position: a catalog entry pinned into the
// ordered credit or debt list.
type Position struct {
	ID     adaptor.PositionID
	Entry  registry.Entry
	IsDebt bool
}

// Params configures a vault at construction.
type Params struct {
	Name           string
	Reserve        custody.Asset
	LockPeriod     time.Duration
	MinimumDeposit int64
	// DeviationBound at fixedpoint.BoundScale; adjustable later through
	// SetRebalanceDeviation.
	DeviationBound int64
}

// Vault owns the position lists and the share ledger. All mutating entry
// points run under a busy guard: the hosting core is single-writer, but
// an adaptor call path that re-enters the vault is rejected outright.
type Vault struct {
	id      uuid.UUID
	name    string
	reserve custody.Asset

	book    *custody.Book
	prices  oracle.Oracle
	catalog *registry.Registry
	shares  *ShareLedger

	creditPositions []Position
	debtPositions   []Position
	holdingID       adaptor.PositionID

	deviationBound int64
	minimumDeposit int64

	// restorers are the stateful collaborators (markets, custom venue
	// state) rolled back together with the vault when an operation or
	// batch fails mid-flight.
	restorers []adaptor.Restorer

	busy bool
	now  func() time.Time
	log  zerolog.Logger
}

func New(id uuid.UUID, params Params, book *custody.Book, prices oracle.Oracle, catalog *registry.Registry, now func() time.Time, log zerolog.Logger) (*Vault, error) {
	if params.DeviationBound < 0 || params.DeviationBound > fixedpoint.BoundScale {
		return nil, errs.Configuration("new vault",
			fmt.Errorf("deviation bound %d outside [0, %d]", params.DeviationBound, int64(fixedpoint.BoundScale)))
	}
	if params.MinimumDeposit <= 0 {
		return nil, errs.Configuration("new vault",
			fmt.Errorf("minimum deposit must be positive, got %d", params.MinimumDeposit))
	}
	if now == nil {
		now = time.Now
	}
	return &Vault{
		id:             id,
		name:           params.Name,
		reserve:        params.Reserve,
		book:           book,
		prices:         prices,
		catalog:        catalog,
		shares:         NewShareLedger(params.LockPeriod, now),
		deviationBound: params.DeviationBound,
		minimumDeposit: params.MinimumDeposit,
		now:            now,
		log:            log,
	}, nil
}

func (v *Vault) ID() uuid.UUID                { return v.id }
func (v *Vault) Name() string                 { return v.name }
func (v *Vault) Reserve() custody.Asset       { return v.reserve }
func (v *Vault) Shares() *ShareLedger         { return v.shares }
func (v *Vault) Book() *custody.Book          { return v.book }
func (v *Vault) DeviationBound() int64        { return v.deviationBound }
func (v *Vault) HoldingID() adaptor.PositionID { return v.holdingID }

// CreditPositions returns a copy of the ordered credit list.
func (v *Vault) CreditPositions() []Position {
	out := make([]Position, len(v.creditPositions))
	copy(out, v.creditPositions)
	return out
}

// DebtPositions returns a copy of the ordered debt list.
func (v *Vault) DebtPositions() []Position {
	out := make([]Position, len(v.debtPositions))
	copy(out, v.debtPositions)
	return out
}

// === Reentrancy guard ===

// RegisterRestorer adds a collaborator to the atomic rollback set.
func (v *Vault) RegisterRestorer(r adaptor.Restorer) {
	v.restorers = append(v.restorers, r)
}

// FullSnapshot captures the vault, its custody book, and every
// registered collaborator. Restoring rewinds all of them.
func (v *Vault) FullSnapshot() adaptor.Memento {
	bookSnap := v.book.Snapshot()
	parts := make([]adaptor.Memento, 0, len(v.restorers)+1)
	parts = append(parts, v.Snapshot())
	for _, r := range v.restorers {
		parts = append(parts, r.Snapshot())
	}
	book := v.book
	return mementoFunc(func() {
		book.Restore(bookSnap)
		for _, m := range parts {
			m.Restore()
		}
	})
}

type mementoFunc func()

func (f mementoFunc) Restore() { f() }

// runAtomic executes fn under a full snapshot, rewinding everything on
// error so no caller ever observes a partial application.
func (v *Vault) runAtomic(fn func() error) error {
	snap := v.FullSnapshot()
	if err := fn(); err != nil {
		snap.Restore()
		return err
	}
	return nil
}

// BeginExclusive marks the vault busy for the duration of one external
// operation. The rebalance engine holds it across a whole batch.
func (v *Vault) BeginExclusive() error {
	if v.busy {
		return errs.Authorization("vault entry", errs.ErrReentrantCall)
	}
	v.busy = true
	return nil
}

// EndExclusive releases the busy guard.
func (v *Vault) EndExclusive() { v.busy = false }

// === Position tracking ===

// IsTracked reports whether a position id is in the active set (either
// list, or the holding position). Debt adaptors consult this before
// minting debt.
func (v *Vault) IsTracked(id adaptor.PositionID) bool {
	if id == v.holdingID && id != 0 {
		return true
	}
	for _, p := range v.creditPositions {
		if p.ID == id {
			return true
		}
	}
	for _, p := range v.debtPositions {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Find returns the active position with the given id.
func (v *Vault) Find(id adaptor.PositionID) (Position, error) {
	for _, p := range v.creditPositions {
		if p.ID == id {
			return p, nil
		}
	}
	for _, p := range v.debtPositions {
		if p.ID == id {
			return p, nil
		}
	}
	return Position{}, errs.Configuration("find position",
		fmt.Errorf("position %d: %w", id, errs.ErrUnknownPosition))
}

// AddPosition attaches a trusted position at the given index of the
// credit or debt list. The supplied config must match the catalog entry
// frozen at trust time.
func (v *Vault) AddPosition(index int, id adaptor.PositionID, cfg adaptor.Config, isDebt bool) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()
	return v.addPosition(index, id, cfg, isDebt)
}

func (v *Vault) addPosition(index int, id adaptor.PositionID, cfg adaptor.Config, isDebt bool) error {
	entry, err := v.catalog.Get(id)
	if err != nil {
		return err
	}
	if entry.IsDebt != isDebt {
		return errs.Configuration("add position",
			fmt.Errorf("position %d debt flag mismatch", id))
	}
	if entry.Config != cfg {
		return errs.Configuration("add position",
			fmt.Errorf("position %d config does not match trusted config", id))
	}
	if v.IsTracked(id) {
		return errs.Configuration("add position",
			fmt.Errorf("position %d already active", id))
	}
	// A debt position needs its collateral active before it exists.
	if isDebt && !v.IsTracked(entry.Config.Collateral) {
		return errs.State("add position",
			fmt.Errorf("collateral %d for debt position %d: %w", entry.Config.Collateral, id, errs.ErrUntrackedDebt))
	}

	list := &v.creditPositions
	if isDebt {
		list = &v.debtPositions
	}
	if index < 0 || index > len(*list) {
		return errs.Configuration("add position",
			fmt.Errorf("index %d out of range [0,%d]", index, len(*list)))
	}
	pos := Position{ID: id, Entry: entry, IsDebt: isDebt}
	*list = append(*list, Position{})
	copy((*list)[index+1:], (*list)[index:])
	(*list)[index] = pos

	v.log.Info().Uint32("position_id", uint32(id)).Int("index", index).Bool("is_debt", isDebt).
		Msg("position added")
	return nil
}

// RemovePosition detaches the position at index. The position must hold
// a zero balance and must not be the holding position.
func (v *Vault) RemovePosition(index int, isDebt bool) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()
	return v.removePosition(index, isDebt)
}

func (v *Vault) removePosition(index int, isDebt bool) error {
	list := &v.creditPositions
	if isDebt {
		list = &v.debtPositions
	}
	if index < 0 || index >= len(*list) {
		return errs.Configuration("remove position",
			fmt.Errorf("index %d out of range [0,%d)", index, len(*list)))
	}
	pos := (*list)[index]
	if pos.ID == v.holdingID {
		return errs.State("remove position", errs.ErrHoldingPositionRequired)
	}
	balance, err := pos.Entry.Adaptor.BalanceOf(pos.Entry.Config)
	if err != nil {
		return err
	}
	if balance != 0 {
		return errs.State("remove position",
			fmt.Errorf("position %d holds %d: %w", pos.ID, balance, errs.ErrPositionNotEmpty))
	}

	*list = append((*list)[:index], (*list)[index+1:]...)
	v.log.Info().Uint32("position_id", uint32(pos.ID)).Bool("is_debt", isDebt).Msg("position removed")
	return nil
}

// SetHoldingPosition designates the credit position new deposits land in.
func (v *Vault) SetHoldingPosition(id adaptor.PositionID) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()

	for _, p := range v.creditPositions {
		if p.ID == id {
			v.holdingID = id
			return nil
		}
	}
	return errs.Configuration("set holding position",
		fmt.Errorf("position %d is not an active credit position", id))
}

// SetRebalanceDeviation adjusts the valuation deviation bound.
func (v *Vault) SetRebalanceDeviation(bound int64) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()

	if bound < 0 || bound > fixedpoint.BoundScale {
		return errs.Configuration("set deviation",
			fmt.Errorf("bound %d outside [0, %d]", bound, int64(fixedpoint.BoundScale)))
	}
	v.deviationBound = bound
	return nil
}

// === Valuation ===

// TotalAssets values the fund in reserve-asset units: credit balances
// added (floored), debt balances subtracted (ceiled, a liability is
// never understated). Iterates over a snapshot of the lists.
func (v *Vault) TotalAssets() (int64, error) {
	var total int64
	for _, p := range v.CreditPositions() {
		balance, err := p.Entry.Adaptor.BalanceOf(p.Entry.Config)
		if err != nil {
			return 0, err
		}
		if balance == 0 {
			continue
		}
		value, err := v.prices.Value(balance, p.Entry.Config.Asset, v.reserve)
		if err != nil {
			return 0, err
		}
		total += value
	}
	for _, p := range v.DebtPositions() {
		balance, err := p.Entry.Adaptor.BalanceOf(p.Entry.Config)
		if err != nil {
			return 0, err
		}
		if balance == 0 {
			continue
		}
		// ceil(x) == -floor(-x)
		value, err := v.prices.Value(-balance, p.Entry.Config.Asset, v.reserve)
		if err != nil {
			return 0, err
		}
		total += value
	}
	return total, nil
}

// TotalAssetsWithdrawable sums withdrawable amounts over credit
// positions only, in reserve-asset units.
func (v *Vault) TotalAssetsWithdrawable() (int64, error) {
	var total int64
	for _, p := range v.CreditPositions() {
		w, err := p.Entry.Adaptor.WithdrawableAmount(p.Entry.Config)
		if err != nil {
			return 0, err
		}
		if w == 0 {
			continue
		}
		value, err := v.prices.Value(w, p.Entry.Config.Asset, v.reserve)
		if err != nil {
			return 0, err
		}
		total += value
	}
	return total, nil
}

// Unsafe reports the advisory staleness flag: true when any active
// position's asset has a stale quote. Valuation keeps working either way.
func (v *Vault) Unsafe() bool {
	for _, p := range v.CreditPositions() {
		if v.prices.IsStale(p.Entry.Config.Asset) {
			return true
		}
	}
	for _, p := range v.DebtPositions() {
		if v.prices.IsStale(p.Entry.Config.Asset) {
			return true
		}
	}
	return false
}

// ShareValue converts a share amount to reserve-asset value, floored.
func (v *Vault) ShareValue(shares int64) (int64, error) {
	total := v.shares.TotalShares()
	if total == 0 {
		return 0, nil
	}
	assets, err := v.TotalAssets()
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(shares, assets, total, fixedpoint.RoundDown), nil
}

// MaxWithdraw returns the most the owner can withdraw right now: their
// share value capped by what the credit positions can actually pay out.
func (v *Vault) MaxWithdraw(owner uuid.UUID) (int64, error) {
	ownerValue, err := v.ShareValue(v.shares.BalanceOf(owner))
	if err != nil {
		return 0, err
	}
	withdrawable, err := v.TotalAssetsWithdrawable()
	if err != nil {
		return 0, err
	}
	if ownerValue < withdrawable {
		return ownerValue, nil
	}
	return withdrawable, nil
}

// === Deposit / withdraw ===

// Deposit pulls amount of the reserve asset from the payer's wallet into
// the holding position and mints shares to receiver.
func (v *Vault) Deposit(payer, receiver uuid.UUID, amount int64, ref string) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()

	if amount <= 0 {
		return errs.State("deposit", errs.ErrZeroAmount)
	}
	if payer == uuid.Nil || receiver == uuid.Nil {
		return errs.State("deposit", errs.ErrZeroAddress)
	}
	holding, err := v.holdingPosition()
	if err != nil {
		return err
	}

	var shares int64
	if v.shares.TotalShares() == 0 {
		if amount < v.minimumDeposit {
			return errs.State("deposit",
				fmt.Errorf("%w: %d < %d", errs.ErrBelowMinimumDeposit, amount, v.minimumDeposit))
		}
		shares = amount
	} else {
		assets, err := v.TotalAssets()
		if err != nil {
			return err
		}
		if assets <= 0 {
			return errs.State("deposit",
				fmt.Errorf("vault has %d assets against %d shares", assets, v.shares.TotalShares()))
		}
		shares = fixedpoint.MulDiv(amount, v.shares.TotalShares(), assets, fixedpoint.RoundDown)
		if shares == 0 {
			return errs.State("deposit", fmt.Errorf("amount %d mints zero shares", amount))
		}
	}

	err = v.runAtomic(func() error {
		ts := v.now().UnixMicro()
		wallet := custody.HolderAccount(payer, v.reserve.ID)
		reserveAcct := custody.VaultAccount(v.id, v.reserve.ID)
		if err := v.book.Transfer(wallet, reserveAcct, amount, custody.JournalTypeDeposit, ref, ts); err != nil {
			return err
		}
		call := adaptor.CallContext{
			VaultID:    v.id,
			PositionID: holding.ID,
			Tracker:    v,
			CommandRef: ref,
			Timestamp:  ts,
		}
		if err := holding.Entry.Adaptor.Deposit(call, amount, holding.Entry.Config); err != nil {
			return err
		}
		return v.shares.Mint(receiver, shares)
	})
	if err != nil {
		return err
	}

	v.log.Info().Str("payer", payer.String()).Str("receiver", receiver.String()).
		Int64("amount", amount).Int64("shares", shares).Msg("deposit")
	return nil
}

// Withdraw pays amount of the reserve asset to receiver, burning the
// owner's shares. Funds are pulled from credit positions in index order,
// each capped by its own withdrawable amount; debt positions are never
// touched.
func (v *Vault) Withdraw(amount int64, receiver, owner uuid.UUID, ref string) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()

	if amount <= 0 {
		return errs.State("withdraw", errs.ErrZeroAmount)
	}
	if receiver == uuid.Nil || owner == uuid.Nil {
		return errs.State("withdraw", errs.ErrZeroAddress)
	}
	if v.shares.Locked(owner) {
		return errs.State("withdraw", errs.ErrSharesLocked)
	}

	max, err := v.MaxWithdraw(owner)
	if err != nil {
		return err
	}
	if amount > max {
		return errs.State("withdraw",
			fmt.Errorf("%w: %d > %d", errs.ErrWithdrawExceedsMax, amount, max))
	}

	assets, err := v.TotalAssets()
	if err != nil {
		return err
	}
	// Shares round up: the burn never undercharges the owner.
	shares := fixedpoint.MulDiv(amount, v.shares.TotalShares(), assets, fixedpoint.RoundUp)

	err = v.runAtomic(func() error {
		if err := v.shares.Burn(owner, shares); err != nil {
			return err
		}
		return v.pullFromCredits(amount, receiver, ref)
	})
	if err != nil {
		return err
	}

	v.log.Info().Str("owner", owner.String()).Str("receiver", receiver.String()).
		Int64("amount", amount).Int64("shares", shares).Msg("withdraw")
	return nil
}

// Redeem burns an exact share amount and pays out its current value.
func (v *Vault) Redeem(shares int64, receiver, owner uuid.UUID, ref string) error {
	if err := v.BeginExclusive(); err != nil {
		return err
	}
	defer v.EndExclusive()

	if shares <= 0 {
		return errs.State("redeem", errs.ErrZeroAmount)
	}
	if receiver == uuid.Nil || owner == uuid.Nil {
		return errs.State("redeem", errs.ErrZeroAddress)
	}
	if v.shares.BalanceOf(owner) < shares {
		return errs.State("redeem", errs.ErrInsufficientShares)
	}

	amount, err := v.ShareValue(shares)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return errs.State("redeem", fmt.Errorf("shares %d redeem to zero assets", shares))
	}
	withdrawable, err := v.TotalAssetsWithdrawable()
	if err != nil {
		return err
	}
	if amount > withdrawable {
		return errs.State("redeem",
			fmt.Errorf("%w: %d > %d", errs.ErrWithdrawExceedsMax, amount, withdrawable))
	}
	err = v.runAtomic(func() error {
		if err := v.shares.Burn(owner, shares); err != nil {
			return err
		}
		return v.pullFromCredits(amount, receiver, ref)
	})
	if err != nil {
		return err
	}

	v.log.Info().Str("owner", owner.String()).Int64("shares", shares).
		Int64("amount", amount).Msg("redeem")
	return nil
}

// pullFromCredits walks the credit list in index order paying receiver
// until amount (reserve units) is satisfied.
func (v *Vault) pullFromCredits(amount int64, receiver uuid.UUID, ref string) error {
	ts := v.now().UnixMicro()
	remaining := amount
	for _, p := range v.CreditPositions() {
		if remaining == 0 {
			break
		}
		withdrawable, err := p.Entry.Adaptor.WithdrawableAmount(p.Entry.Config)
		if err != nil {
			return err
		}
		if withdrawable == 0 {
			continue
		}
		value, err := v.prices.Value(withdrawable, p.Entry.Config.Asset, v.reserve)
		if err != nil {
			return err
		}
		take := remaining
		if take > value {
			take = value
		}
		if take == 0 {
			continue
		}
		posAmount, err := v.prices.Value(take, v.reserve, p.Entry.Config.Asset)
		if err != nil {
			return err
		}
		if posAmount == 0 {
			continue
		}
		call := adaptor.CallContext{
			VaultID:              v.id,
			PositionID:           p.ID,
			UserWithdrawsAllowed: true,
			Tracker:              v,
			CommandRef:           ref,
			Timestamp:            ts,
		}
		recipient := custody.HolderAccount(receiver, p.Entry.Config.Asset.ID)
		if err := p.Entry.Adaptor.Withdraw(call, posAmount, recipient, p.Entry.Config); err != nil {
			return err
		}
		remaining -= take
	}
	if remaining > 0 {
		return errs.State("withdraw",
			fmt.Errorf("short %d after all credit positions: %w", remaining, errs.ErrInsufficientLiquidity))
	}
	return nil
}

func (v *Vault) holdingPosition() (Position, error) {
	if v.holdingID == 0 {
		return Position{}, errs.Configuration("holding position",
			fmt.Errorf("no holding position set"))
	}
	return v.Find(v.holdingID)
}

// === Rollback support ===

type vaultMemento struct {
	v              *Vault
	credits        []Position
	debts          []Position
	holdingID      adaptor.PositionID
	deviationBound int64
	shares         adaptor.Memento
}

func (m *vaultMemento) Restore() {
	m.v.creditPositions = m.credits
	m.v.debtPositions = m.debts
	m.v.holdingID = m.holdingID
	m.v.deviationBound = m.deviationBound
	m.shares.Restore()
}

// Snapshot captures the position lists, holding id, bound, and share
// ledger. Custody and market state are captured by their own owners.
func (v *Vault) Snapshot() adaptor.Memento {
	return &vaultMemento{
		v:              v,
		credits:        v.CreditPositions(),
		debts:          v.DebtPositions(),
		holdingID:      v.holdingID,
		deviationBound: v.deviationBound,
		shares:         v.shares.Snapshot(),
	}
}

var _ adaptor.PositionTracker = (*Vault)(nil)
var _ adaptor.Restorer = (*Vault)(nil)
