package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Logger is the structured logging sink injected into every engine (spec
// §9, "Logger coupled to the manager → inject a logging sink trait").
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ChainClient is the external blockchain RPC collaborator (spec §6). Its
// implementation is out of THE CORE's scope; internal/chainclient ships a
// reference implementation.
type ChainClient interface {
	ReadOpenOrders(ctx context.Context, account string, assetAID, assetBID string) ([]OrderRec, error)
	GetOnChainAssetBalances(ctx context.Context, account string, assetIDs []string) (map[string]AccountBalance, error)
	CreateOrder(ctx context.Context, slotID string, size, price decimal.Decimal, side Side) (CreateOrderResult, error)
	UpdateOrder(ctx context.Context, chainOrderID string, newPrice, newSize decimal.Decimal) (UpdateOrderResult, error)
	CancelOrder(ctx context.Context, chainOrderID string) error

	// StreamFills delivers fill-history events until ctx is cancelled.
	StreamFills(ctx context.Context) (<-chan Fill, error)
}

// AccountBalance is one asset's {total,free} balance as reported by the
// chain (spec §6).
type AccountBalance struct {
	Total decimal.Decimal
	Free  decimal.Decimal
}

// CreateOrderResult is the chain client's response to CreateOrder.
type CreateOrderResult struct {
	ChainOrderID string
	CreateFee    decimal.Decimal
	Partial      bool
}

// UpdateOrderResult is the chain client's response to UpdateOrder.
type UpdateOrderResult struct {
	UpdateFee decimal.Decimal
}

// PersistenceStore is the external grid-snapshot collaborator (spec §6).
type PersistenceStore interface {
	SaveGridSnapshot(ctx context.Context, key string, snap GridSnapshot) error
	LoadPersistedAssets(ctx context.Context, key string) (assetA, assetB AssetInfo, err error)
	UpdateCacheFunds(ctx context.Context, key string, cacheFunds BuySell) error
	UpdateBTSFeesOwed(ctx context.Context, key string, amount decimal.Decimal) error
}

// AssetLookup is the external asset-metadata collaborator (spec §6).
type AssetLookup interface {
	LookupAsset(ctx context.Context, symbol string) (AssetInfo, error)
}
