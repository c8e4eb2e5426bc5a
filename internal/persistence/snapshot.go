package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/core"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/registry"
)

// SnapshotManager creates and loads state snapshots for recovery.
// Snapshots are taken periodically and verified by replaying commands
// from the snapshot sequence forward before being trusted for restarts.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of the core's in-memory state.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	LastTimestampUs int64            `json:"last_timestamp_us"`
	Balances        map[string]int64 `json:"balances"` // AccountPath -> balance
	Holders         []HolderSnap     `json:"holders"`
	Allowances      []AllowanceSnap  `json:"allowances"`
	Positions       []PositionSnap   `json:"positions"`
	HoldingID       uint32           `json:"holding_id"`
	DeviationBound  int64            `json:"deviation_bound"`
	Markets         []MarketSnap     `json:"markets"`
	Prices          []PriceSnap      `json:"prices"`
	SequenceState   map[string]int64 `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// HolderSnap is one share balance with its lock timer.
type HolderSnap struct {
	HolderID      string `json:"holder_id"`
	Shares        int64  `json:"shares"`
	LockedUntilUs int64  `json:"locked_until_us,omitempty"`
}

// AllowanceSnap is one share spending allowance.
type AllowanceSnap struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Shares  int64  `json:"shares"`
}

// PositionSnap is one catalogued position, saved in list order so ids
// and indexes come back identical on restore.
type PositionSnap struct {
	PositionID uint32 `json:"position_id"`
	AdaptorID  uint16 `json:"adaptor_id"`
	Asset      string `json:"asset"`
	Market     string `json:"market,omitempty"`
	Collateral uint32 `json:"collateral,omitempty"`
	IsDebt     bool   `json:"is_debt,omitempty"`
}

// MarketSnap is one venue-side supply/borrow balance.
type MarketSnap struct {
	Market   string `json:"market"`
	Owner    string `json:"owner"`
	Asset    string `json:"asset"`
	Supplied int64  `json:"supplied,omitempty"`
	Borrowed int64  `json:"borrowed,omitempty"`
}

// PriceSnap is one oracle quote.
type PriceSnap struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	UpdatedAtUs int64  `json:"updated_at_us"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FlattenSnapshot converts the core's typed snapshot into the
// serializable form. Asset ids become symbols so a snapshot survives a
// re-registration that reorders ids.
func FlattenSnapshot(snap *core.SnapshotState, assets *custody.AssetRegistry) (*SnapshotData, error) {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		LastTimestampUs: snap.LastTimestamp.UnixMicro(),
		Balances:        make(map[string]int64, len(snap.Balances)),
		HoldingID:       uint32(snap.HoldingID),
		DeviationBound:  snap.DeviationBound,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance
	}

	for _, h := range snap.Holders {
		hs := HolderSnap{HolderID: h.Holder.String(), Shares: h.Shares}
		if !h.LockedUntil.IsZero() {
			hs.LockedUntilUs = h.LockedUntil.UnixMicro()
		}
		data.Holders = append(data.Holders, hs)
	}
	for _, a := range snap.Allowances {
		data.Allowances = append(data.Allowances, AllowanceSnap{
			Owner:   a.Owner.String(),
			Spender: a.Spender.String(),
			Shares:  a.Shares,
		})
	}

	for _, p := range snap.Positions {
		data.Positions = append(data.Positions, PositionSnap{
			PositionID: uint32(p.ID),
			AdaptorID:  uint16(p.AdaptorID),
			Asset:      p.Config.Asset.Symbol,
			Market:     p.Config.Market,
			Collateral: uint32(p.Config.Collateral),
			IsDebt:     p.IsDebt,
		})
	}

	for _, m := range snap.Markets {
		asset, ok := assets.ByID(m.Asset)
		if !ok {
			return nil, fmt.Errorf("snapshot: unknown asset id %d", m.Asset)
		}
		data.Markets = append(data.Markets, MarketSnap{
			Market:   m.Market,
			Owner:    m.Owner.String(),
			Asset:    asset.Symbol,
			Supplied: m.Supplied,
			Borrowed: m.Borrowed,
		})
	}

	for _, p := range snap.Prices {
		asset, ok := assets.ByID(p.Asset)
		if !ok {
			return nil, fmt.Errorf("snapshot: unknown asset id %d", p.Asset)
		}
		data.Prices = append(data.Prices, PriceSnap{
			Asset:       asset.Symbol,
			Price:       p.Price.String(),
			UpdatedAtUs: p.UpdatedAt.UnixMicro(),
		})
	}

	return data, nil
}

// InflateSnapshot converts serialized snapshot data back into the
// core's typed form. Assets must already be registered.
func InflateSnapshot(data *SnapshotData, assets *custody.AssetRegistry) (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        data.Sequence,
		LastTimestamp:   time.UnixMicro(data.LastTimestampUs).UTC(),
		Balances:        make(map[custody.AccountKey]int64, len(data.Balances)),
		HoldingID:       adaptor.PositionID(data.HoldingID),
		DeviationBound:  data.DeviationBound,
		SequenceState:   data.SequenceState,
		IdempotencyKeys: data.IdempotencyKeys,
	}
	copy(snap.StateHash[:], data.StateHash)

	for path, balance := range data.Balances {
		key, err := custody.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot balance: %w", err)
		}
		snap.Balances[key] = balance
	}

	for _, h := range data.Holders {
		holderID, err := uuid.Parse(h.HolderID)
		if err != nil {
			return nil, fmt.Errorf("snapshot holder: %w", err)
		}
		hs := core.HolderState{Holder: holderID, Shares: h.Shares}
		if h.LockedUntilUs != 0 {
			hs.LockedUntil = time.UnixMicro(h.LockedUntilUs).UTC()
		}
		snap.Holders = append(snap.Holders, hs)
	}
	for _, a := range data.Allowances {
		owner, err := uuid.Parse(a.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot allowance: %w", err)
		}
		spender, err := uuid.Parse(a.Spender)
		if err != nil {
			return nil, fmt.Errorf("snapshot allowance: %w", err)
		}
		snap.Allowances = append(snap.Allowances, core.AllowanceState{
			Owner:   owner,
			Spender: spender,
			Shares:  a.Shares,
		})
	}

	for _, p := range data.Positions {
		asset, ok := assets.BySymbol(p.Asset)
		if !ok {
			return nil, fmt.Errorf("snapshot position %d: unknown asset %q", p.PositionID, p.Asset)
		}
		snap.Positions = append(snap.Positions, core.PositionState{
			ID:        adaptor.PositionID(p.PositionID),
			AdaptorID: registry.AdaptorID(p.AdaptorID),
			Config: adaptor.Config{
				Asset:      asset,
				Market:     p.Market,
				Collateral: adaptor.PositionID(p.Collateral),
			},
			IsDebt: p.IsDebt,
		})
	}

	for _, m := range data.Markets {
		owner, err := uuid.Parse(m.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot market position: %w", err)
		}
		asset, ok := assets.BySymbol(m.Asset)
		if !ok {
			return nil, fmt.Errorf("snapshot market position: unknown asset %q", m.Asset)
		}
		snap.Markets = append(snap.Markets, core.MarketPositionState{
			Market:   m.Market,
			Owner:    owner,
			Asset:    asset.ID,
			Supplied: m.Supplied,
			Borrowed: m.Borrowed,
		})
	}

	for _, p := range data.Prices {
		asset, ok := assets.BySymbol(p.Asset)
		if !ok {
			return nil, fmt.Errorf("snapshot price: unknown asset %q", p.Asset)
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("snapshot price %s: %w", p.Asset, err)
		}
		snap.Prices = append(snap.Prices, core.PriceState{
			Asset:     asset.ID,
			Price:     price,
			UpdatedAt: time.UnixMicro(p.UpdatedAtUs).UTC(),
		})
	}

	return snap, nil
}

// SaveSnapshot persists a snapshot to Postgres and returns its
// serialized size. Snapshots start unverified; MarkVerified flips the
// flag after a replay check.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, restore from it then replay commands from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads commands from a given sequence for replay.
// Used for warm restart (replay from snapshot) and cold restart
// (replay all).
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, partition, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM vault_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Partition,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty operation log
	}
	return seq.Int64, nil
}
