package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/lendmarket"
	"VaultEngine/internal/registry"
)

// SnapshotState holds the typed in-memory state for restore. The
// persistence layer flattens it to a serializable form; this is the
// shape the core produces and consumes.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	LastTimestamp   time.Time
	Balances        map[custody.AccountKey]int64
	Holders         []HolderState
	Allowances      []AllowanceState
	Positions       []PositionState
	HoldingID       adaptor.PositionID
	DeviationBound  int64
	Markets         []MarketPositionState
	Prices          []PriceState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

type HolderState struct {
	Holder      uuid.UUID
	Shares      int64
	LockedUntil time.Time
}

type AllowanceState struct {
	Owner   uuid.UUID
	Spender uuid.UUID
	Shares  int64
}

// PositionState captures one active position in list order.
type PositionState struct {
	ID        adaptor.PositionID
	AdaptorID registry.AdaptorID
	Config    adaptor.Config
	IsDebt    bool
}

type MarketPositionState struct {
	Market   string
	Owner    uuid.UUID
	Asset    custody.AssetID
	Supplied int64
	Borrowed int64
}

type PriceState struct {
	Asset     custody.AssetID
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// CreateSnapshotState captures the current in-memory state.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        p.sequence - 1, // last processed sequence
		StateHash:       p.hasher.GetPrevHash(),
		LastTimestamp:   p.clock.Now(),
		Balances:        p.book.Snapshot(),
		HoldingID:       p.vault.HoldingID(),
		DeviationBound:  p.vault.DeviationBound(),
		SequenceState:   p.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: p.idempotency.lru.GetAllKeys(),
	}

	p.vault.Shares().Each(func(holder uuid.UUID, shares int64, lockedUntil time.Time) {
		snap.Holders = append(snap.Holders, HolderState{Holder: holder, Shares: shares, LockedUntil: lockedUntil})
	})
	p.vault.Shares().EachAllowance(func(owner, spender uuid.UUID, shares int64) {
		snap.Allowances = append(snap.Allowances, AllowanceState{Owner: owner, Spender: spender, Shares: shares})
	})

	for _, pos := range p.vault.CreditPositions() {
		snap.Positions = append(snap.Positions, PositionState{
			ID:        pos.ID,
			AdaptorID: pos.Entry.AdaptorID,
			Config:    pos.Entry.Config,
			IsDebt:    false,
		})
	}
	for _, pos := range p.vault.DebtPositions() {
		snap.Positions = append(snap.Positions, PositionState{
			ID:        pos.ID,
			AdaptorID: pos.Entry.AdaptorID,
			Config:    pos.Entry.Config,
			IsDebt:    true,
		})
	}

	p.markets.Each(func(m *lendmarket.Market) {
		m.EachPosition(func(owner uuid.UUID, asset custody.AssetID, supplied, borrowed int64) {
			snap.Markets = append(snap.Markets, MarketPositionState{
				Market:   m.Name(),
				Owner:    owner,
				Asset:    asset,
				Supplied: supplied,
				Borrowed: borrowed,
			})
		})
	})

	p.feed.EachQuote(func(asset custody.AssetID, price decimal.Decimal, updatedAt time.Time) {
		snap.Prices = append(snap.Prices, PriceState{Asset: asset, Price: price, UpdatedAt: updatedAt})
	})

	return snap
}

// RestoreFromSnapshot rebuilds the core's in-memory state. Assets and
// adaptors must already be registered; positions are re-added in the
// saved order so list indexes and ids come back identical.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	p.sequence = snap.Sequence + 1
	p.hasher.SetPrevHash(snap.StateHash)
	p.clock.Advance(snap.LastTimestamp)

	p.book.Restore(snap.Balances)

	for _, ps := range snap.Prices {
		asset, ok := p.assets.ByID(ps.Asset)
		if !ok {
			return fmt.Errorf("restore: unknown asset id %d", ps.Asset)
		}
		p.feed.RestorePrice(asset, ps.Price, ps.UpdatedAt)
	}

	for _, h := range snap.Holders {
		p.vault.Shares().RestoreHolder(h.Holder, h.Shares, h.LockedUntil)
	}
	for _, a := range snap.Allowances {
		p.vault.Shares().RestoreAllowance(a.Owner, a.Spender, a.Shares)
	}

	creditIndex, debtIndex := 0, 0
	for _, ps := range snap.Positions {
		if err := p.catalog.RestoreEntry(ps.ID, ps.AdaptorID, ps.Config); err != nil {
			return fmt.Errorf("restore position %d: %w", ps.ID, err)
		}
		index := creditIndex
		if ps.IsDebt {
			index = debtIndex
		}
		if err := p.vault.AddPosition(index, ps.ID, ps.Config, ps.IsDebt); err != nil {
			return fmt.Errorf("restore position %d: %w", ps.ID, err)
		}
		if ps.IsDebt {
			debtIndex++
		} else {
			creditIndex++
		}
	}
	if snap.HoldingID != 0 {
		if err := p.vault.SetHoldingPosition(snap.HoldingID); err != nil {
			return fmt.Errorf("restore holding position: %w", err)
		}
	}
	if err := p.vault.SetRebalanceDeviation(snap.DeviationBound); err != nil {
		return fmt.Errorf("restore deviation bound: %w", err)
	}

	for _, mp := range snap.Markets {
		m, err := p.markets.Get(mp.Market)
		if err != nil {
			return fmt.Errorf("restore market positions: %w", err)
		}
		m.RestorePosition(mp.Owner, mp.Asset, mp.Supplied, mp.Borrowed)
	}

	for partition, nextSeq := range snap.SequenceState {
		p.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	p.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}
