package store

import (
	"context"
	"path/filepath"
	"testing"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "grid.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot() core.GridSnapshot {
	return core.GridSnapshot{
		Orders: map[string]core.Order{
			"s0": {SlotID: "s0", Type: core.TypeBuy, State: core.StateActive, Price: decimal.NewFromFloat(0.9), Size: decimal.NewFromInt(10)},
		},
		BoundaryIdx: 2,
		CacheFunds:  core.BuySell{Buy: decimal.NewFromInt(5), Sell: decimal.NewFromInt(3)},
		BTSFeesOwed: decimal.NewFromFloat(0.25),
		AssetA:      core.AssetInfo{ID: "1.3.113", Symbol: "BTC", Precision: 8},
		AssetB:      core.AssetInfo{ID: "1.3.0", Symbol: "BTS", Precision: 5},
		SideDoubledFlags: map[core.Side]bool{
			core.SideBuy: true,
		},
	}
}

func TestSaveAndLoadGridSnapshot_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := sampleSnapshot()

	require.NoError(t, s.SaveGridSnapshot(ctx, "grid-1", snap))

	loaded, ok, err := s.LoadGridSnapshot(ctx, "grid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.BoundaryIdx, loaded.BoundaryIdx)
	assert.True(t, loaded.CacheFunds.Buy.Equal(snap.CacheFunds.Buy))
	assert.True(t, loaded.BTSFeesOwed.Equal(snap.BTSFeesOwed))
	assert.Equal(t, snap.AssetA, loaded.AssetA)
	assert.True(t, loaded.SideDoubledFlags[core.SideBuy])
	o, found := loaded.Orders["s0"]
	require.True(t, found)
	assert.True(t, o.Size.Equal(decimal.NewFromInt(10)))
}

func TestLoadGridSnapshot_MissingKeyReturnsNotOk(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LoadGridSnapshot(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveGridSnapshot_ReplacesPriorSnapshotForSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveGridSnapshot(ctx, "grid-1", sampleSnapshot()))

	updated := sampleSnapshot()
	updated.BoundaryIdx = 9
	require.NoError(t, s.SaveGridSnapshot(ctx, "grid-1", updated))

	loaded, ok, err := s.LoadGridSnapshot(ctx, "grid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, loaded.BoundaryIdx)
}

func TestLoadPersistedAssets_ReturnsZeroValueWhenNothingSaved(t *testing.T) {
	s := newTestStore(t)
	a, b, err := s.LoadPersistedAssets(context.Background(), "fresh-grid")
	require.NoError(t, err)
	assert.Equal(t, core.AssetInfo{}, a)
	assert.Equal(t, core.AssetInfo{}, b)
}

func TestLoadPersistedAssets_ReturnsSavedAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveGridSnapshot(ctx, "grid-1", sampleSnapshot()))

	a, b, err := s.LoadPersistedAssets(ctx, "grid-1")
	require.NoError(t, err)
	assert.Equal(t, "1.3.113", a.ID)
	assert.Equal(t, "1.3.0", b.ID)
}

func TestUpdateCacheFunds_RewritesOnlyCacheFundsField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveGridSnapshot(ctx, "grid-1", sampleSnapshot()))

	newFunds := core.BuySell{Buy: decimal.NewFromInt(100), Sell: decimal.NewFromInt(200)}
	require.NoError(t, s.UpdateCacheFunds(ctx, "grid-1", newFunds))

	loaded, ok, err := s.LoadGridSnapshot(ctx, "grid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.CacheFunds.Buy.Equal(decimal.NewFromInt(100)))
	assert.True(t, loaded.CacheFunds.Sell.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 2, loaded.BoundaryIdx, "unrelated fields must survive the partial update")
}

func TestUpdateBTSFeesOwed_SeedsRowWhenNoneExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateBTSFeesOwed(ctx, "brand-new", decimal.NewFromFloat(1.5)))

	loaded, ok, err := s.LoadGridSnapshot(ctx, "brand-new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.BTSFeesOwed.Equal(decimal.NewFromFloat(1.5)))
}
