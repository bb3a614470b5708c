package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, grouped by the component that emits them (spec §2 data
// flow: sync -> accountant/gridstate -> strategy -> reconciler -> manager).
const (
	MetricFundDrift          = "dexgrid_fund_drift"
	MetricInvariantViolation = "dexgrid_invariant_violations_total"
	MetricPhantomCorrected   = "dexgrid_phantom_orders_corrected_total"
	MetricCacheFunds         = "dexgrid_cache_funds"
	MetricBTSFeesOwed        = "dexgrid_bts_fees_owed"
	MetricSyncPassDuration   = "dexgrid_sync_pass_duration_ms"
	MetricSyncOrphans        = "dexgrid_sync_orphans_total"
	MetricPriceCorrections   = "dexgrid_pending_price_corrections"
	MetricRebalanceDuration  = "dexgrid_rebalance_duration_ms"
	MetricRebalanceAborted   = "dexgrid_rebalance_aborted_total"
	MetricGridVersion        = "dexgrid_grid_version"
	MetricPipelineBlockedMs  = "dexgrid_pipeline_blocked_ms"
	MetricActionsEmitted     = "dexgrid_actions_emitted_total"
)

// MetricsHolder holds initialized instruments for the grid engine.
type MetricsHolder struct {
	FundDrift          metric.Float64ObservableGauge
	InvariantViolation metric.Int64Counter
	PhantomCorrected   metric.Int64Counter
	CacheFunds         metric.Float64ObservableGauge
	BTSFeesOwed        metric.Float64ObservableGauge
	SyncPassDuration   metric.Float64Histogram
	SyncOrphans        metric.Int64Counter
	PriceCorrections   metric.Int64ObservableGauge
	RebalanceDuration  metric.Float64Histogram
	RebalanceAborted   metric.Int64Counter
	GridVersion        metric.Int64ObservableGauge
	PipelineBlockedMs  metric.Int64ObservableGauge
	ActionsEmitted     metric.Int64Counter

	// State backing the observable gauges.
	mu               sync.RWMutex
	fundDriftMap     map[string]float64
	cacheFundsMap    map[string]float64
	btsFeesOwed      float64
	pendingPriceCorr int64
	gridVersion      int64
	pipelineBlocked  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			fundDriftMap:  make(map[string]float64),
			cacheFundsMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics.
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.InvariantViolation, err = meter.Int64Counter(MetricInvariantViolation, metric.WithDescription("Fund/accounting invariant violations detected by the accountant"))
	if err != nil {
		return err
	}

	m.PhantomCorrected, err = meter.Int64Counter(MetricPhantomCorrected, metric.WithDescription("Phantom orders auto-downgraded to VIRTUAL"))
	if err != nil {
		return err
	}

	m.SyncOrphans, err = meter.Int64Counter(MetricSyncOrphans, metric.WithDescription("Chain orders left unmatched after the sync engine's relaxed pass"))
	if err != nil {
		return err
	}

	m.RebalanceAborted, err = meter.Int64Counter(MetricRebalanceAborted, metric.WithDescription("Rebalances aborted (shortfall or staleness)"))
	if err != nil {
		return err
	}

	m.ActionsEmitted, err = meter.Int64Counter(MetricActionsEmitted, metric.WithDescription("Reconciler actions emitted, by type"))
	if err != nil {
		return err
	}

	m.SyncPassDuration, err = meter.Float64Histogram(MetricSyncPassDuration, metric.WithDescription("Duration of one open-orders sync pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RebalanceDuration, err = meter.Float64Histogram(MetricRebalanceDuration, metric.WithDescription("Duration of one perform_safe_rebalance planning phase"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FundDrift, err = meter.Float64ObservableGauge(MetricFundDrift, metric.WithDescription("abs(account_totals.total - (free + committed)) per side"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for side, val := range m.fundDriftMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("side", side)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CacheFunds, err = meter.Float64ObservableGauge(MetricCacheFunds, metric.WithDescription("cache_funds per side"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for side, val := range m.cacheFundsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("side", side)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BTSFeesOwed, err = meter.Float64ObservableGauge(MetricBTSFeesOwed, metric.WithDescription("bts_fees_owed"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.btsFeesOwed)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PriceCorrections, err = meter.Int64ObservableGauge(MetricPriceCorrections, metric.WithDescription("orders_needing_price_correction queue length"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pendingPriceCorr)
			return nil
		}))
	if err != nil {
		return err
	}

	m.GridVersion, err = meter.Int64ObservableGauge(MetricGridVersion, metric.WithDescription("current grid_version"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.gridVersion)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PipelineBlockedMs, err = meter.Int64ObservableGauge(MetricPipelineBlockedMs, metric.WithDescription("ms since pipeline_blocked_since, 0 if healthy"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pipelineBlocked)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state.

// SetFundDrift records the current drift for a side.
func (m *MetricsHolder) SetFundDrift(side string, drift float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundDriftMap[side] = drift
}

// SetCacheFunds records the current cache_funds value for a side.
func (m *MetricsHolder) SetCacheFunds(side string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheFundsMap[side] = v
}

// SetBTSFeesOwed records the current bts_fees_owed value.
func (m *MetricsHolder) SetBTSFeesOwed(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.btsFeesOwed = v
}

// SetPendingPriceCorrections records the queue length.
func (m *MetricsHolder) SetPendingPriceCorrections(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingPriceCorr = n
}

// SetGridVersion records the current grid_version.
func (m *MetricsHolder) SetGridVersion(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gridVersion = v
}

// SetPipelineBlockedMs records how long the pipeline has been blocked.
func (m *MetricsHolder) SetPipelineBlockedMs(ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineBlocked = ms
}

func (m *MetricsHolder) GetFundDrift() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.fundDriftMap))
	for k, v := range m.fundDriftMap {
		res[k] = v
	}
	return res
}
