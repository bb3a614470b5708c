// Package assets is the reference core.AssetLookup implementation (spec
// §6, §DOMAIN-8): a small in-memory table seeded from config, falling
// back to the persistence store's LoadPersistedAssets for any symbol a
// prior run already resolved and saved.
package assets

import (
	"context"
	"fmt"
	"sync"

	"dexgrid/internal/core"
)

// PersistedAssetSource is the subset of core.PersistenceStore this
// package needs to recover asset metadata a previous run resolved.
type PersistedAssetSource interface {
	LoadPersistedAssets(ctx context.Context, key string) (assetA, assetB core.AssetInfo, err error)
}

// Table is a reference AssetLookup: a config-seeded map with an optional
// persisted-store fallback, grounded on the same "config first, store
// second" recovery order the manager uses for funds and boundary state.
type Table struct {
	mu      sync.RWMutex
	known   map[string]core.AssetInfo
	store   PersistedAssetSource
	gridKey string
}

// New builds a Table from a config-supplied seed list. store and gridKey
// may be left zero-valued if no persistence-backed fallback is wired.
func New(seed []core.AssetInfo, store PersistedAssetSource, gridKey string) *Table {
	known := make(map[string]core.AssetInfo, len(seed))
	for _, info := range seed {
		known[info.Symbol] = info
	}
	return &Table{known: known, store: store, gridKey: gridKey}
}

// LookupAsset resolves symbol from the in-memory table, or, if absent,
// from the persisted snapshot's assetA/assetB pair (spec §6,
// "load_persisted_assets").
func (t *Table) LookupAsset(ctx context.Context, symbol string) (core.AssetInfo, error) {
	t.mu.RLock()
	info, ok := t.known[symbol]
	t.mu.RUnlock()
	if ok {
		return info, nil
	}

	if t.store == nil {
		return core.AssetInfo{}, fmt.Errorf("assets: unknown symbol %q and no persistence fallback configured", symbol)
	}

	assetA, assetB, err := t.store.LoadPersistedAssets(ctx, t.gridKey)
	if err != nil {
		return core.AssetInfo{}, fmt.Errorf("assets: persisted lookup for %q: %w", symbol, err)
	}
	for _, candidate := range []core.AssetInfo{assetA, assetB} {
		if candidate.Symbol == symbol {
			t.mu.Lock()
			t.known[symbol] = candidate
			t.mu.Unlock()
			return candidate, nil
		}
	}
	return core.AssetInfo{}, fmt.Errorf("assets: unknown symbol %q, not found in config seed or persisted snapshot", symbol)
}

// Put registers or overwrites an asset's metadata, used when a fresh
// lookup result (e.g. from chain genesis data) should be cached for the
// lifetime of the process.
func (t *Table) Put(info core.AssetInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[info.Symbol] = info
}
