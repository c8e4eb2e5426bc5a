// Package registry catalogs the adaptors and positions an operator has
// trusted. The vault only ever adds positions out of this catalog, so a
// typo'd market name or an unpriceable asset is caught at trust time,
// not mid-rebalance.
package registry

import (
	"fmt"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/oracle"
)

// AdaptorID identifies a trusted adaptor.
type AdaptorID uint16

// Entry is one trusted position: an adaptor plus its frozen config.
type Entry struct {
	ID        adaptor.PositionID
	AdaptorID AdaptorID
	Adaptor   adaptor.Adaptor
	Config    adaptor.Config
	IsDebt    bool
}

// Registry issues adaptor and position ids. Ids are never reused, so a
// removed-then-readded position keeps a stable identity in the log.
type Registry struct {
	prices   oracle.Oracle
	adaptors map[AdaptorID]adaptor.Adaptor
	entries  map[adaptor.PositionID]Entry

	nextAdaptorID  AdaptorID
	nextPositionID adaptor.PositionID
}

func New(prices oracle.Oracle) *Registry {
	return &Registry{
		prices:         prices,
		adaptors:       make(map[AdaptorID]adaptor.Adaptor),
		entries:        make(map[adaptor.PositionID]Entry),
		nextAdaptorID:  1,
		nextPositionID: 1,
	}
}

// TrustAdaptor registers an adaptor implementation and returns its id.
func (r *Registry) TrustAdaptor(a adaptor.Adaptor) AdaptorID {
	id := r.nextAdaptorID
	r.nextAdaptorID++
	r.adaptors[id] = a
	return id
}

// FindAdaptor resolves a trusted adaptor by its name.
func (r *Registry) FindAdaptor(name string) (AdaptorID, error) {
	for id := AdaptorID(1); id < r.nextAdaptorID; id++ {
		if a, ok := r.adaptors[id]; ok && a.Name() == name {
			return id, nil
		}
	}
	return 0, errs.Configuration("adaptor lookup",
		fmt.Errorf("no trusted adaptor named %q", name))
}

// TrustPosition catalogs a position under a trusted adaptor. The
// position's asset must be priceable or the trust call fails.
func (r *Registry) TrustPosition(adaptorID AdaptorID, cfg adaptor.Config) (adaptor.PositionID, error) {
	a, ok := r.adaptors[adaptorID]
	if !ok {
		return 0, errs.Configuration("trust position",
			fmt.Errorf("adaptor %d is not trusted", adaptorID))
	}
	asset := a.AssetOf(cfg)
	if !r.prices.IsSupported(asset) {
		return 0, errs.Configuration("trust position",
			fmt.Errorf("%s: %w", asset.Symbol, errs.ErrPricingNotSetUp))
	}

	id := r.nextPositionID
	r.nextPositionID++
	r.entries[id] = Entry{
		ID:        id,
		AdaptorID: adaptorID,
		Adaptor:   a,
		Config:    cfg,
		IsDebt:    a.IsDebt(),
	}
	return id, nil
}

// RestoreEntry reinstates a catalogued position under its original id
// during snapshot recovery. Id issuance continues past the highest
// restored id.
func (r *Registry) RestoreEntry(id adaptor.PositionID, adaptorID AdaptorID, cfg adaptor.Config) error {
	a, ok := r.adaptors[adaptorID]
	if !ok {
		return errs.Configuration("restore position",
			fmt.Errorf("adaptor %d is not trusted", adaptorID))
	}
	r.entries[id] = Entry{
		ID:        id,
		AdaptorID: adaptorID,
		Adaptor:   a,
		Config:    cfg,
		IsDebt:    a.IsDebt(),
	}
	if id >= r.nextPositionID {
		r.nextPositionID = id + 1
	}
	return nil
}

// Get returns the catalog entry for a position id.
func (r *Registry) Get(id adaptor.PositionID) (Entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, errs.Configuration("position lookup",
			fmt.Errorf("position %d: %w", id, errs.ErrUnknownPosition))
	}
	return e, nil
}

// IsTrusted reports whether a position id is catalogued.
func (r *Registry) IsTrusted(id adaptor.PositionID) bool {
	_, ok := r.entries[id]
	return ok
}
