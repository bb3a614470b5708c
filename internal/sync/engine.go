// Package sync implements the grid engine's two-pass reconciliation
// against the chain's open-order book and its incremental fill-history
// consumption (spec §4.7).
package sync

import (
	"context"
	"sort"
	"sync"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
	"dexgrid/internal/primitives"
	"dexgrid/pkg/apperrors"
	"dexgrid/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// MarketConfig identifies which chain assets belong to the configured
// trading pair, and the integer precision used on each side.
type MarketConfig struct {
	BaseAssetID    string
	QuoteAssetID   string
	BasePrecision  int32
	QuotePrecision int32
}

// Config parameterizes lock leases and price-tolerance checking.
type Config struct {
	LockLeaseSeconds    int
	PriceToleranceRatio decimal.Decimal // e.g. 0.001 == 0.1%
}

// Result reports what a single sync_from_open_orders pass did, for
// telemetry and for the manager's pipeline-health signal.
type Result struct {
	OrphansConverted     int
	PriceCorrections     []string // slot ids, de-duplicated
	SurplusCancellations []string // chain order ids with no matching grid side
	FullFillsDetected    []string // slot ids converted to SPREAD by a size-zero chain order
	MatchedFromChain     int
	UnmatchedChainOrders int
}

// Engine owns the sync mutex and the lease table guarding in-flight
// passes (spec §4.7, §5).
type Engine struct {
	syncMu sync.Mutex

	master *gridstate.MasterGrid
	acct   *accountant.Accountant
	leases *concurrency.LeaseTable
	logger core.Logger
	market MarketConfig
	cfg    Config

	doubledMu sync.Mutex
	doubled   map[core.Side]bool
}

// NewEngine builds a sync engine bound to a single market/grid pair. The
// chain client itself is not held by the engine — callers (the manager)
// fetch open orders and fill events and hand them to SyncFromOpenOrders /
// SyncFromFillHistory, keeping the engine's contract pure and testable.
func NewEngine(master *gridstate.MasterGrid, acct *accountant.Accountant, market MarketConfig, cfg Config, logger core.Logger) *Engine {
	if cfg.LockLeaseSeconds <= 0 {
		cfg.LockLeaseSeconds = 30
	}
	return &Engine{
		master:  master,
		acct:    acct,
		leases:  concurrency.NewLeaseTable(logger),
		logger:  logger.WithField("component", "sync_engine"),
		market:  market,
		cfg:     cfg,
		doubled: make(map[core.Side]bool),
	}
}

// SetSideDoubled marks side as needing the next opposite-side fill to
// trigger a double replacement, set by the strategy when a rebalance
// resizes a dust PARTIAL (spec §4.5 step 6).
func (e *Engine) SetSideDoubled(side core.Side, v bool) {
	e.doubledMu.Lock()
	defer e.doubledMu.Unlock()
	e.doubled[side] = v
}

// IsSideDoubled reports whether side currently carries the doubled flag.
func (e *Engine) IsSideDoubled(side core.Side) bool {
	e.doubledMu.Lock()
	defer e.doubledMu.Unlock()
	return e.doubled[side]
}

func (e *Engine) clearSideDoubled(side core.Side) bool {
	e.doubledMu.Lock()
	defer e.doubledMu.Unlock()
	was := e.doubled[side]
	e.doubled[side] = false
	return was
}

type classifiedOrder struct {
	chainID string
	side    core.Side
	price   decimal.Decimal
	size    decimal.Decimal
}

// classifyOrderRec derives (side, price, size) for a BTS-style limit
// order record: SellBase is the asset being offered, SellQuote is the
// asset the order wants in return, and ForSale is the remaining amount
// of SellBase still open. A BUY order offers the quote asset for base;
// a SELL order offers the base asset for quote.
func classifyOrderRec(rec core.OrderRec, market MarketConfig) (classifiedOrder, bool) {
	switch {
	case rec.SellBase.AssetID == market.BaseAssetID && rec.SellQuote.AssetID == market.QuoteAssetID:
		if rec.SellBase.Value.Sign() <= 0 {
			return classifiedOrder{}, false
		}
		price := rec.SellQuote.Value.Div(rec.SellBase.Value)
		size := primitives.RoundSize(rec.ForSale.Value, market.BasePrecision)
		return classifiedOrder{chainID: rec.ID, side: core.SideSell, price: primitives.RoundPrice(price, market.QuotePrecision), size: size}, true
	case rec.SellBase.AssetID == market.QuoteAssetID && rec.SellQuote.AssetID == market.BaseAssetID:
		if rec.SellQuote.Value.Sign() <= 0 {
			return classifiedOrder{}, false
		}
		price := rec.SellBase.Value.Div(rec.SellQuote.Value)
		// ForSale is denominated in the quote asset for a BUY order; convert
		// the remaining base-equivalent size using the order's own price.
		size := decimal.Zero
		if price.Sign() > 0 {
			size = primitives.RoundSize(rec.ForSale.Value.Div(price), market.BasePrecision)
		}
		return classifiedOrder{chainID: rec.ID, side: core.SideBuy, price: primitives.RoundPrice(price, market.QuotePrecision), size: size}, true
	default:
		return classifiedOrder{}, false
	}
}

func sideOfOrder(o core.Order) core.Side {
	if o.Type == core.TypeSell {
		return core.SideSell
	}
	return core.SideBuy
}

func precisionFor(side core.Side, market MarketConfig) int32 {
	if side == core.SideBuy {
		return market.QuotePrecision
	}
	return market.BasePrecision
}

func (e *Engine) calculatePriceTolerance(price decimal.Decimal) decimal.Decimal {
	if e.cfg.PriceToleranceRatio.Sign() <= 0 {
		return decimal.Zero
	}
	return price.Mul(e.cfg.PriceToleranceRatio)
}

// SyncFromOpenOrders runs the two-pass reconciliation described in spec
// §4.7 against a fresh open-orders snapshot from the chain. skipAccounting
// defers the caller's fund recalculation (used during startup bootstrap
// when the accountant has not been seeded yet).
func (e *Engine) SyncFromOpenOrders(ctx context.Context, chainOrders []core.OrderRec, skipAccounting bool) (Result, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	result := Result{}

	filtered := make(map[string]classifiedOrder, len(chainOrders))
	for _, rec := range chainOrders {
		c, ok := classifyOrderRec(rec, e.market)
		if !ok {
			e.logger.Warn("dropping malformed or off-market chain order", "chain_order_id", rec.ID)
			continue
		}
		filtered[rec.ID] = c
	}

	leaseKeys := e.collectLeaseKeys(filtered)
	ttl := time.Duration(e.cfg.LockLeaseSeconds) * time.Second
	if !e.leases.AcquireAll(leaseKeys, ttl) {
		return result, apperrors.ErrLockTimeout
	}
	defer e.leases.ReleaseAll(leaseKeys)
	cancelRefresh := e.leases.StartRefresher(ctx, leaseKeys, ttl, ttl/3)
	defer cancelRefresh()

	claimedSlots := make(map[string]bool)
	claimedChainIDs := make(map[string]bool)

	e.runPass1(filtered, claimedSlots, claimedChainIDs, &result)
	e.convertUnclaimedOnChainOrphans(claimedSlots)
	e.runPass2(filtered, claimedSlots, claimedChainIDs, &result)

	if !skipAccounting {
		e.logger.Debug("open-orders sync complete", "matched", result.MatchedFromChain, "unmatched", result.UnmatchedChainOrders, "orphans", result.OrphansConverted)
	}

	return result, nil
}

func (e *Engine) collectLeaseKeys(filtered map[string]classifiedOrder) []string {
	seen := make(map[string]bool)
	keys := make([]string, 0)
	for _, slotID := range e.master.SortedSlotIDs() {
		o, _ := e.master.Get(slotID)
		if o.ChainOrderID != "" && !seen[slotID] {
			seen[slotID] = true
			keys = append(keys, slotID)
		}
	}
	for chainID := range filtered {
		if !seen[chainID] {
			seen[chainID] = true
			keys = append(keys, chainID)
		}
	}
	sort.Strings(keys)
	return keys
}

// runPass1 walks grid orders with a chain id present and reacts to what
// the chain says about them (spec §4.7 "Pass 1 (grid → chain)").
func (e *Engine) runPass1(filtered map[string]classifiedOrder, claimedSlots, claimedChainIDs map[string]bool, result *Result) {
	for _, slotID := range e.master.SortedSlotIDs() {
		o, _ := e.master.Get(slotID)
		if o.ChainOrderID == "" {
			continue
		}
		claimedSlots[slotID] = true

		chainOrder, onChain := filtered[o.ChainOrderID]
		if !onChain {
			if o.State == core.StateActive || o.State == core.StatePartial {
				e.convertToSpread(slotID)
				result.OrphansConverted++
			}
			continue
		}
		claimedChainIDs[o.ChainOrderID] = true

		if chainOrder.side != sideOfOrder(o) {
			result.SurplusCancellations = append(result.SurplusCancellations, o.ChainOrderID)
			continue
		}

		tol := e.calculatePriceTolerance(o.Price)
		if chainOrder.price.Sub(o.Price).Abs().GreaterThan(tol) {
			result.PriceCorrections = appendUnique(result.PriceCorrections, slotID)
		}

		prec := precisionFor(sideOfOrder(o), e.market)
		chainInt := primitives.FloatToBlockchainInt(chainOrder.size, prec)
		gridInt := primitives.FloatToBlockchainInt(o.Size, prec)

		switch {
		case chainInt == 0:
			e.convertToSpread(slotID)
			result.FullFillsDetected = append(result.FullFillsDetected, slotID)
		case chainInt < gridInt:
			e.master.ApplyUpdate(slotID, func(old core.Order) core.Order {
				old.State = core.StatePartial
				old.Size = chainOrder.size
				return old
			})
		}
	}
}

func (e *Engine) convertToSpread(slotID string) {
	e.master.ApplyUpdate(slotID, func(old core.Order) core.Order {
		old.CommittedSide = sideOfOrder(old)
		old.Type = core.TypeSpread
		old.State = core.StateVirtual
		old.ChainOrderID = ""
		old.Size = decimal.Zero
		return old
	})
}

// convertUnclaimedOnChainOrphans handles ACTIVE/PARTIAL slots that never
// had a chain id claimed this pass (a chain id was expected but the slot
// carries none) — these are phantoms, not fills, since they never had
// chain confirmation (spec §4.7, "Orders in ACTIVE/PARTIAL without a
// matching chain id ... only those that previously had a chain id count
// as filled").
func (e *Engine) convertUnclaimedOnChainOrphans(claimedSlots map[string]bool) {
	candidates := append(e.master.SlotIDsByState(core.StateActive), e.master.SlotIDsByState(core.StatePartial)...)
	for _, slotID := range candidates {
		if claimedSlots[slotID] {
			continue
		}
		o, ok := e.master.Get(slotID)
		if !ok || o.ChainOrderID != "" {
			continue
		}
		e.master.ApplyUpdate(slotID, func(old core.Order) core.Order {
			old.Type = core.TypeSpread
			old.State = core.StateVirtual
			return old
		})
	}
}

// runPass2 matches any chain order not claimed in pass 1 against a free
// grid slot, strict first then relaxed (spec §4.7 "Pass 2 (chain → grid)").
func (e *Engine) runPass2(filtered map[string]classifiedOrder, claimedSlots, claimedChainIDs map[string]bool, result *Result) {
	chainIDs := make([]string, 0, len(filtered))
	for id := range filtered {
		chainIDs = append(chainIDs, id)
	}
	sort.Strings(chainIDs)

	for _, chainID := range chainIDs {
		if claimedChainIDs[chainID] {
			continue
		}
		rec := filtered[chainID]

		slotID, ok := e.strictMatch(rec, claimedSlots)
		if !ok {
			slotID, ok = e.relaxedMatch(rec, claimedSlots)
		}
		if !ok {
			result.UnmatchedChainOrders++
			e.logger.Warn("unmatched chain order after pass 2", "chain_order_id", chainID, "side", rec.side)
			continue
		}

		claimedSlots[slotID] = true
		claimedChainIDs[chainID] = true
		result.MatchedFromChain++

		e.master.ApplyUpdate(slotID, func(old core.Order) core.Order {
			old.ChainOrderID = chainID
			old.Type = sideType(rec.side)
			old.Price = rec.price
			wasVirtual := old.State == core.StateVirtual
			idealSize := old.Size
			old.Size = rec.size
			if wasVirtual {
				old.State = core.StateActive
			} else if old.State == core.StatePartial && rec.size.GreaterThanOrEqual(idealSize) {
				old.State = core.StateActive
			}
			return old
		})
	}
}

func (e *Engine) strictMatch(rec classifiedOrder, claimedSlots map[string]bool) (string, bool) {
	tol := e.calculatePriceTolerance(rec.price)
	for _, slotID := range e.master.SortedSlotIDs() {
		if claimedSlots[slotID] {
			continue
		}
		o, _ := e.master.Get(slotID)
		if sideOfOrder(o) != rec.side {
			continue
		}
		if o.Price.Sub(rec.price).Abs().GreaterThan(tol) {
			continue
		}
		return slotID, true
	}
	return "", false
}

func (e *Engine) relaxedMatch(rec classifiedOrder, claimedSlots map[string]bool) (string, bool) {
	floor := e.relaxedTolerance(rec.price)
	for _, slotID := range e.master.SortedSlotIDs() {
		if claimedSlots[slotID] {
			continue
		}
		o, _ := e.master.Get(slotID)
		if o.State != core.StateVirtual || o.ChainOrderID != "" {
			continue
		}
		if sideOfOrder(o) != rec.side {
			continue
		}
		if o.Price.Sub(rec.price).Abs().GreaterThan(floor) {
			continue
		}
		return slotID, true
	}
	return "", false
}

func (e *Engine) relaxedTolerance(price decimal.Decimal) decimal.Decimal {
	twoPct := price.Mul(decimal.NewFromFloat(0.02))
	twoIncrements := e.calculatePriceTolerance(price).Mul(decimal.NewFromInt(2))
	if twoIncrements.GreaterThan(twoPct) {
		return twoIncrements
	}
	return twoPct
}

func sideType(side core.Side) core.OrderType {
	if side == core.SideSell {
		return core.TypeSell
	}
	return core.TypeBuy
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// FillResult reports the outcome of processing one fill-history event.
type FillResult struct {
	SlotID                   string
	FullyFilled              bool
	DoubleReplacementTrigger bool
}

// SyncFromFillHistory locates the grid order by chain id, updates the
// accountant, and transitions the slot per spec §4.7
// "sync_from_fill_history(fill_op)".
func (e *Engine) SyncFromFillHistory(ctx context.Context, fill core.Fill, paySymbol, recvSymbol string, fees core.Fees) (FillResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	slotID := e.findSlotByChainOrderID(fill.ChainOrderID)
	if slotID == "" {
		return FillResult{}, apperrors.ErrPhantomOrder
	}

	o, _ := e.master.Get(slotID)
	side := sideOfOrder(o)
	prec := precisionFor(side, e.market)

	soldAssetID := e.market.BaseAssetID
	if side == core.SideBuy {
		soldAssetID = e.market.QuoteAssetID
	}
	soldAmount := fill.Receives.Value
	if fill.Pays.AssetID == soldAssetID {
		soldAmount = fill.Pays.Value
	}
	remaining := o.Size.Sub(soldAmount)
	otherPrecision := precisionFor(side.Other(), e.market)
	otherRemainder := primitives.FloatToBlockchainInt(remaining, otherPrecision)
	nativeRemainder := primitives.FloatToBlockchainInt(remaining, prec)

	fullyFilled := otherRemainder == 0 || nativeRemainder <= 0

	res := FillResult{SlotID: slotID}

	if fullyFilled {
		e.convertToSpread(slotID)
		res.FullyFilled = true
		if e.clearSideDoubled(side) {
			res.DoubleReplacementTrigger = true
		}
	} else {
		e.master.ApplyUpdate(slotID, func(old core.Order) core.Order {
			old.State = core.StatePartial
			old.Size = remaining
			return old
		})
		e.clearSideDoubled(side)
	}

	err := e.acct.ProcessFillAccounting(ctx, accountant.FillAccountingInput{
		Fill:       fill,
		PaySide:    side,
		RecvSide:   side.Other(),
		Fees:       fees,
		PaySymbol:  paySymbol,
		RecvSymbol: recvSymbol,
	})
	if err != nil {
		return res, err
	}

	return res, nil
}

func (e *Engine) findSlotByChainOrderID(chainOrderID string) string {
	for _, slotID := range e.master.SortedSlotIDs() {
		o, _ := e.master.Get(slotID)
		if o.ChainOrderID == chainOrderID {
			return slotID
		}
	}
	return ""
}
