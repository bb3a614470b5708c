package assets

import (
	"context"
	"testing"

	"dexgrid/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	assetA, assetB core.AssetInfo
	err            error
}

func (f fakeStore) LoadPersistedAssets(ctx context.Context, key string) (core.AssetInfo, core.AssetInfo, error) {
	return f.assetA, f.assetB, f.err
}

func TestLookupAsset_ResolvesFromConfigSeed(t *testing.T) {
	table := New([]core.AssetInfo{{ID: "1.3.0", Symbol: "BTS", Precision: 5}}, nil, "grid-1")

	info, err := table.LookupAsset(context.Background(), "BTS")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", info.ID)
}

func TestLookupAsset_FallsBackToPersistedStoreWhenNotSeeded(t *testing.T) {
	store := fakeStore{
		assetA: core.AssetInfo{ID: "1.3.113", Symbol: "BTC", Precision: 8},
		assetB: core.AssetInfo{ID: "1.3.0", Symbol: "BTS", Precision: 5},
	}
	table := New(nil, store, "grid-1")

	info, err := table.LookupAsset(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "1.3.113", info.ID)

	// Second lookup hits the cached entry, not the store again.
	info2, err := table.LookupAsset(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, info, info2)
}

func TestLookupAsset_ErrorsWhenUnknownAndNoStore(t *testing.T) {
	table := New(nil, nil, "grid-1")
	_, err := table.LookupAsset(context.Background(), "XYZ")
	assert.Error(t, err)
}

func TestLookupAsset_ErrorsWhenNotFoundInEitherSeedOrStore(t *testing.T) {
	store := fakeStore{
		assetA: core.AssetInfo{ID: "1.3.113", Symbol: "BTC", Precision: 8},
		assetB: core.AssetInfo{ID: "1.3.0", Symbol: "BTS", Precision: 5},
	}
	table := New(nil, store, "grid-1")
	_, err := table.LookupAsset(context.Background(), "ETH")
	assert.Error(t, err)
}

func TestLookupAsset_PropagatesStoreError(t *testing.T) {
	store := fakeStore{err: assert.AnError}
	table := New(nil, store, "grid-1")
	_, err := table.LookupAsset(context.Background(), "BTC")
	assert.Error(t, err)
}

func TestPut_OverwritesLookupResult(t *testing.T) {
	table := New([]core.AssetInfo{{ID: "old-id", Symbol: "BTS"}}, nil, "grid-1")
	table.Put(core.AssetInfo{ID: "new-id", Symbol: "BTS"})

	info, err := table.LookupAsset(context.Background(), "BTS")
	require.NoError(t, err)
	assert.Equal(t, "new-id", info.ID)
}
