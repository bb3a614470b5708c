// Package core defines the shared record types and interfaces that every
// grid-engine component (primitives, gridstate, accountant, strategy,
// reconciler, sync, manager) operates over. Nothing in here owns a mutex
// or a goroutine; that belongs to the package that mutates the record.
package core

import (
	"github.com/shopspring/decimal"
)

// Side identifies one leg of the market pair.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the grid-slot classification: which side of the market a
// slot currently quotes, or whether it is sitting in the spread buffer.
type OrderType string

const (
	TypeBuy    OrderType = "BUY"
	TypeSell   OrderType = "SELL"
	TypeSpread OrderType = "SPREAD"
)

// OrderState is the on-chain lifecycle state of a slot's order.
type OrderState string

const (
	StateVirtual OrderState = "VIRTUAL"
	StateActive  OrderState = "ACTIVE"
	StatePartial OrderState = "PARTIAL"
)

// IsOnChain reports whether state requires a chain_order_id (invariant 1).
func (s OrderState) IsOnChain() bool {
	return s == StateActive || s == StatePartial
}

// BuySell is a per-side pair of decimals, used for every (buy,sell)
// accounting total in the spec (account_totals, funds.available, ...).
type BuySell struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// Get returns the component for side.
func (p BuySell) Get(side Side) decimal.Decimal {
	if side == SideBuy {
		return p.Buy
	}
	return p.Sell
}

// Set returns a copy of p with side replaced by v.
func (p BuySell) Set(side Side, v decimal.Decimal) BuySell {
	if side == SideBuy {
		p.Buy = v
	} else {
		p.Sell = v
	}
	return p
}

// Add returns a copy of p with delta added to side.
func (p BuySell) Add(side Side, delta decimal.Decimal) BuySell {
	return p.Set(side, p.Get(side).Add(delta))
}

// OnChainSnapshot is the last observed on-chain representation of an
// order, used by the sync engine to compute size deltas (spec §3).
type OnChainSnapshot struct {
	ChainOrderID string
	Side         Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	SizeRaw      int64
}

// Order is the immutable record keyed by slot_id (spec §3). Every
// mutation produces a new Order value; nothing here is mutated in place.
type Order struct {
	SlotID string
	Price  decimal.Decimal
	Type   OrderType
	State  OrderState
	Size   decimal.Decimal

	// ChainOrderID is empty iff there is no on-chain handle. Invariant 1:
	// State.IsOnChain() implies ChainOrderID != "".
	ChainOrderID string

	// CommittedSide caches the BUY/SELL intent across SPREAD transitions
	// (spec §3, "committed_side").
	CommittedSide Side

	// RawOnChain is the last snapshot of the on-chain order, used to
	// compute size deltas; nil if the slot has never been on chain.
	RawOnChain *OnChainSnapshot
}

// IsPhantom reports an order claiming to be on chain without an id
// (spec §3 invariant 1, §7 PhantomOrder).
func (o Order) IsPhantom() bool {
	return o.State.IsOnChain() && o.ChainOrderID == ""
}

// CommittedFunds mirrors funds.committed in spec §3: capital reserved by
// on-chain orders (chain) vs. by the grid's bookkeeping view (grid).
type CommittedFunds struct {
	Chain BuySell
	Grid  BuySell
}

// Funds is the fund-accounting state tracked by the accountant (spec §3).
type Funds struct {
	Available   BuySell
	Committed   CommittedFunds
	Virtual     BuySell
	Total       CommittedFunds
	CacheFunds  BuySell
	BTSFeesOwed decimal.Decimal
}

// Allocated holds the per-side caps derived from bot_funds config.
type Allocated struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

func (a Allocated) Get(side Side) decimal.Decimal {
	if side == SideBuy {
		return a.Buy
	}
	return a.Sell
}

// AccountTotals is the chain-observed {buy,sell}x{total,free} snapshot
// (spec §3 "account_totals").
type AccountTotals struct {
	BuyTotal  decimal.Decimal
	BuyFree   decimal.Decimal
	SellTotal decimal.Decimal
	SellFree  decimal.Decimal
}

func (t AccountTotals) Total(side Side) decimal.Decimal {
	if side == SideBuy {
		return t.BuyTotal
	}
	return t.SellTotal
}

func (t AccountTotals) Free(side Side) decimal.Decimal {
	if side == SideBuy {
		return t.BuyFree
	}
	return t.SellFree
}

func (t AccountTotals) WithTotal(side Side, v decimal.Decimal) AccountTotals {
	if side == SideBuy {
		t.BuyTotal = v
	} else {
		t.SellTotal = v
	}
	return t
}

func (t AccountTotals) WithFree(side Side, v decimal.Decimal) AccountTotals {
	if side == SideBuy {
		t.BuyFree = v
	} else {
		t.SellFree = v
	}
	return t
}

// Amount is a chain-denominated quantity of a specific asset, as used in
// fill-history pays/receives records.
type Amount struct {
	Value   decimal.Decimal
	AssetID string
}

// Fill is one fill-history event reported by the chain client (spec §6).
type Fill struct {
	OrderID      string `json:"order_id"`
	ChainOrderID string `json:"chain_order_id"`
	Pays         Amount `json:"pays"`
	Receives     Amount `json:"receives"`
	IsMaker      bool   `json:"is_maker"`
	BlockNum     int64  `json:"block_num"`
	HistoryID    string `json:"history_id"`

	// Side is resolved by the sync engine from the grid slot the fill
	// belongs to; it is not supplied by the chain client.
	Side Side

	// DoubleReplacementTrigger is attached when this fill clears a
	// "doubled" side flag (spec §4.5 step 6, §4.7).
	DoubleReplacementTrigger bool
	Partial                  bool
}

// ActionType enumerates the reconciler's blockchain action verbs.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionCancel ActionType = "CANCEL"
)

// Action is one entry in a reconciler action plan (spec §4.6).
type Action struct {
	Type         ActionType
	SlotID       string
	ChainOrderID string // set for UPDATE/CANCEL
	Side         Side
	Price        decimal.Decimal
	Size         decimal.Decimal
}

// OrderRec mirrors the chain client's open-orders record shape (spec §6).
type OrderRec struct {
	ID        string
	ForSale   Amount
	SellBase  Amount
	SellQuote Amount
}

// GridSnapshot is the full persisted state of a grid (spec §6).
type GridSnapshot struct {
	Orders           map[string]Order
	BoundaryIdx      int
	CacheFunds       BuySell
	BTSFeesOwed      decimal.Decimal
	AssetA           AssetInfo
	AssetB           AssetInfo
	AccountTotals    AccountTotals
	SideDoubledFlags map[Side]bool
}

// AssetInfo is the metadata returned by asset lookup (spec §6).
type AssetInfo struct {
	ID        string
	Symbol    string
	Precision int32
}

// Fees is the result of a fee computation (spec §4.1).
type Fees struct {
	Total       decimal.Decimal
	CreateFee   decimal.Decimal
	UpdateFee   decimal.Decimal
	MakerNetFee decimal.Decimal
	TakerNetFee decimal.Decimal
	NetProceeds decimal.Decimal
}
