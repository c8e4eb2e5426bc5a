package vault

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/errs"
)

type allowanceKey struct {
	owner   uuid.UUID
	spender uuid.UUID
}

// ShareLedger tracks the fungible claims on the vault: total supply,
// per-holder balances and allowances, and the per-holder lock timer.
//
// Every mint restarts the holder's lock at now+lockPeriod. While locked,
// the holder can neither withdraw nor transfer. The lock defeats
// mint-then-redeem games around a rebalance.
type ShareLedger struct {
	total       int64
	balances    map[uuid.UUID]int64
	allowances  map[allowanceKey]int64
	lockedUntil map[uuid.UUID]time.Time

	lockPeriod time.Duration
	now        func() time.Time
}

func NewShareLedger(lockPeriod time.Duration, now func() time.Time) *ShareLedger {
	if now == nil {
		now = time.Now
	}
	return &ShareLedger{
		balances:    make(map[uuid.UUID]int64),
		allowances:  make(map[allowanceKey]int64),
		lockedUntil: make(map[uuid.UUID]time.Time),
		lockPeriod:  lockPeriod,
		now:         now,
	}
}

func (s *ShareLedger) TotalShares() int64 { return s.total }

func (s *ShareLedger) BalanceOf(holder uuid.UUID) int64 { return s.balances[holder] }

// Locked reports whether the holder's shares are still inside the lock
// window.
func (s *ShareLedger) Locked(holder uuid.UUID) bool {
	until, ok := s.lockedUntil[holder]
	return ok && s.now().Before(until)
}

// LockedUntil returns the lock expiry, zero time if unlocked.
func (s *ShareLedger) LockedUntil(holder uuid.UUID) time.Time {
	return s.lockedUntil[holder]
}

// Mint issues shares to holder and restarts the lock timer.
func (s *ShareLedger) Mint(holder uuid.UUID, shares int64) error {
	if holder == uuid.Nil {
		return errs.State("mint shares", errs.ErrZeroAddress)
	}
	if shares <= 0 {
		return errs.State("mint shares", errs.ErrZeroAmount)
	}
	s.balances[holder] += shares
	s.total += shares
	if s.lockPeriod > 0 {
		s.lockedUntil[holder] = s.now().Add(s.lockPeriod)
	}
	return nil
}

// Burn destroys shares held by holder. The lock must have expired.
func (s *ShareLedger) Burn(holder uuid.UUID, shares int64) error {
	if shares <= 0 {
		return errs.State("burn shares", errs.ErrZeroAmount)
	}
	if s.Locked(holder) {
		return errs.State("burn shares", errs.ErrSharesLocked)
	}
	if s.balances[holder] < shares {
		return errs.State("burn shares", errs.ErrInsufficientShares)
	}
	s.balances[holder] -= shares
	s.total -= shares
	return nil
}

// Transfer moves shares between holders. Locked shares cannot move; the
// recipient's lock is untouched.
func (s *ShareLedger) Transfer(from, to uuid.UUID, shares int64) error {
	if from == uuid.Nil || to == uuid.Nil {
		return errs.State("transfer shares", errs.ErrZeroAddress)
	}
	if shares <= 0 {
		return errs.State("transfer shares", errs.ErrZeroAmount)
	}
	if s.Locked(from) {
		return errs.State("transfer shares", errs.ErrSharesLocked)
	}
	if s.balances[from] < shares {
		return errs.State("transfer shares", errs.ErrInsufficientShares)
	}
	s.balances[from] -= shares
	s.balances[to] += shares
	return nil
}

// Approve sets spender's allowance over owner's shares, replacing any
// previous value.
func (s *ShareLedger) Approve(owner, spender uuid.UUID, shares int64) error {
	if owner == uuid.Nil || spender == uuid.Nil {
		return errs.State("approve shares", errs.ErrZeroAddress)
	}
	if shares < 0 {
		return errs.State("approve shares", errs.ErrZeroAmount)
	}
	s.allowances[allowanceKey{owner, spender}] = shares
	return nil
}

func (s *ShareLedger) Allowance(owner, spender uuid.UUID) int64 {
	return s.allowances[allowanceKey{owner, spender}]
}

// TransferFrom moves shares using spender's allowance over from.
func (s *ShareLedger) TransferFrom(spender, from, to uuid.UUID, shares int64) error {
	if shares <= 0 {
		return errs.State("transfer shares", errs.ErrZeroAmount)
	}
	key := allowanceKey{from, spender}
	if s.allowances[key] < shares {
		return errs.State("transfer shares", errs.ErrInsufficientAllowance)
	}
	if err := s.Transfer(from, to, shares); err != nil {
		return err
	}
	s.allowances[key] -= shares
	return nil
}

// Each visits every holder with a non-zero balance in holder id order.
func (s *ShareLedger) Each(fn func(holder uuid.UUID, shares int64, lockedUntil time.Time)) {
	holders := make([]uuid.UUID, 0, len(s.balances))
	for h := range s.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})
	for _, h := range holders {
		if s.balances[h] == 0 {
			continue
		}
		fn(h, s.balances[h], s.lockedUntil[h])
	}
}

// EachAllowance visits every non-zero approval in owner, spender order.
func (s *ShareLedger) EachAllowance(fn func(owner, spender uuid.UUID, shares int64)) {
	keys := make([]allowanceKey, 0, len(s.allowances))
	for k := range s.allowances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].owner[:], keys[j].owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(keys[i].spender[:], keys[j].spender[:]) < 0
	})
	for _, k := range keys {
		if s.allowances[k] == 0 {
			continue
		}
		fn(k.owner, k.spender, s.allowances[k])
	}
}

// RestoreHolder reinstates a holder's balance and lock expiry during
// snapshot recovery. Total supply accumulates across calls.
func (s *ShareLedger) RestoreHolder(holder uuid.UUID, shares int64, lockedUntil time.Time) {
	s.balances[holder] = shares
	s.total += shares
	if !lockedUntil.IsZero() {
		s.lockedUntil[holder] = lockedUntil
	}
}

// RestoreAllowance reinstates an approval during snapshot recovery.
func (s *ShareLedger) RestoreAllowance(owner, spender uuid.UUID, shares int64) {
	s.allowances[allowanceKey{owner, spender}] = shares
}

type shareMemento struct {
	ledger      *ShareLedger
	total       int64
	balances    map[uuid.UUID]int64
	allowances  map[allowanceKey]int64
	lockedUntil map[uuid.UUID]time.Time
}

func (m *shareMemento) Restore() {
	m.ledger.total = m.total
	m.ledger.balances = m.balances
	m.ledger.allowances = m.allowances
	m.ledger.lockedUntil = m.lockedUntil
}

// Snapshot captures the full ledger for atomic rollback.
func (s *ShareLedger) Snapshot() adaptor.Memento {
	balances := make(map[uuid.UUID]int64, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	allowances := make(map[allowanceKey]int64, len(s.allowances))
	for k, v := range s.allowances {
		allowances[k] = v
	}
	locked := make(map[uuid.UUID]time.Time, len(s.lockedUntil))
	for k, v := range s.lockedUntil {
		locked[k] = v
	}
	return &shareMemento{
		ledger:      s,
		total:       s.total,
		balances:    balances,
		allowances:  allowances,
		lockedUntil: locked,
	}
}

var _ adaptor.Restorer = (*ShareLedger)(nil)
