package custody

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"VaultEngine/internal/errs"
)

// AccountScope is the top-level custody namespace.
type AccountScope uint8

const (
	// ScopeHolder is a depositor's wallet outside the vault.
	ScopeHolder AccountScope = iota
	// ScopeVault is the vault's own reserve (the cash box behind the
	// holding position).
	ScopeVault
	// ScopeMarket is an external venue the vault deploys capital into.
	ScopeMarket
	// ScopeExternal is the boundary account balancing mints of real-world
	// inflow. It is the only scope allowed to go negative.
	ScopeExternal
)

// AssetID is the compact numeric id used in account keys.
type AssetID uint16

// Asset describes a registered asset.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

// AssetRegistry maps symbols to assets. Registration happens at startup;
// the single-writer core reads it without locking afterwards.
type AssetRegistry struct {
	bySymbol map[string]Asset
	byID     map[AssetID]Asset
	nextID   AssetID
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		bySymbol: make(map[string]Asset),
		byID:     make(map[AssetID]Asset),
		nextID:   1,
	}
}

// Register adds an asset, returning the existing entry if the symbol is
// already known with the same decimals.
func (r *AssetRegistry) Register(symbol string, decimals uint8) (Asset, error) {
	symbol = strings.ToUpper(symbol)
	if existing, ok := r.bySymbol[symbol]; ok {
		if existing.Decimals != decimals {
			return Asset{}, errs.Configuration("register asset",
				fmt.Errorf("asset %s already registered with %d decimals", symbol, existing.Decimals))
		}
		return existing, nil
	}
	a := Asset{ID: r.nextID, Symbol: symbol, Decimals: decimals}
	r.bySymbol[symbol] = a
	r.byID[a.ID] = a
	r.nextID++
	return a, nil
}

// BySymbol looks an asset up by symbol.
func (r *AssetRegistry) BySymbol(symbol string) (Asset, bool) {
	a, ok := r.bySymbol[strings.ToUpper(symbol)]
	return a, ok
}

// ByID looks an asset up by numeric id.
func (r *AssetRegistry) ByID(id AssetID) (Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// All returns registered assets ordered by id.
func (r *AssetRegistry) All() []Asset {
	assets := make([]Asset, 0, len(r.byID))
	for _, a := range r.byID {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets
}

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // holder uuid, or name bytes for vault/market accounts
	AssetID  AssetID
}

// HolderAccount is a depositor's external wallet for one asset.
func HolderAccount(holderID uuid.UUID, asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeHolder, EntityID: holderID, AssetID: asset}
}

// VaultAccount is the vault reserve for one asset.
func VaultAccount(vaultID uuid.UUID, asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeVault, EntityID: vaultID, AssetID: asset}
}

// MarketAccount is an external venue's pool for one asset.
func MarketAccount(name string, asset AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{Scope: ScopeMarket, EntityID: entityID, AssetID: asset}
}

// ExternalAccount is the boundary account for one asset.
func ExternalAccount(asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeExternal, AssetID: asset}
}

// ParseAccountPath inverts AccountPath. Used when loading persisted
// balances back into a book.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch parts[0] {
	case "holder", "vault":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, err := parseAssetID(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		scope := ScopeHolder
		if parts[0] == "vault" {
			scope = ScopeVault
		}
		return AccountKey{Scope: scope, EntityID: id, AssetID: assetID}, nil
	case "market":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		assetID, err := parseAssetID(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return MarketAccount(parts[1], assetID), nil
	case "external":
		if len(parts) != 2 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		assetID, err := parseAssetID(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return ExternalAccount(assetID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in path %q", path)
}

func parseAssetID(s string) (AssetID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return AssetID(n), nil
}

// AccountPath renders the key for storage and logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeHolder:
		return fmt.Sprintf("holder:%s:%d", uuid.UUID(k.EntityID).String(), k.AssetID)
	case ScopeVault:
		return fmt.Sprintf("vault:%s:%d", uuid.UUID(k.EntityID).String(), k.AssetID)
	case ScopeMarket:
		name := strings.TrimRight(string(k.EntityID[:]), "\x00")
		return fmt.Sprintf("market:%s:%d", name, k.AssetID)
	case ScopeExternal:
		return fmt.Sprintf("external:%d", k.AssetID)
	}
	return "unknown"
}
