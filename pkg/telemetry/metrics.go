package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal     = "keeper_orders_placed_total"
	MetricOrdersCancelledTotal  = "keeper_orders_cancelled_total"
	MetricOrdersFailedTotal     = "keeper_orders_failed_total"
	MetricSlicesCompletedTotal  = "keeper_slices_completed_total"
	MetricSlicesAbortedTotal    = "keeper_slices_aborted_total"
	MetricOrphansCancelledTotal = "keeper_orphans_cancelled_total"
	MetricRecoveryAttemptsTotal = "keeper_recovery_attempts_total"
	MetricUnwindOrdersTotal     = "keeper_unwind_orders_total"
	MetricActiveOrders          = "keeper_active_orders"
	MetricOpenExpectations      = "keeper_open_expectations"
	MetricHedgeImbalance        = "keeper_hedge_imbalance_percent"
	MetricVenueEquity           = "keeper_venue_equity_usd"
	MetricDeltaExposure         = "keeper_delta_exposure"
	MetricVenueTripped          = "keeper_venue_tripped"
	MetricLegFillLatency        = "keeper_leg_fill_latency_seconds"
	MetricReconcileDuration     = "keeper_reconcile_duration_seconds"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	OrdersFailedTotal     metric.Int64Counter
	SlicesCompletedTotal  metric.Int64Counter
	SlicesAbortedTotal    metric.Int64Counter
	OrphansCancelledTotal metric.Int64Counter
	RecoveryAttemptsTotal metric.Int64Counter
	UnwindOrdersTotal     metric.Int64Counter
	ActiveOrders          metric.Int64ObservableGauge
	OpenExpectations      metric.Int64ObservableGauge
	HedgeImbalance        metric.Float64ObservableGauge
	VenueEquity           metric.Float64ObservableGauge
	DeltaExposure         metric.Float64ObservableGauge
	VenueTripped          metric.Int64ObservableGauge
	LegFillLatency        metric.Float64Histogram
	ReconcileDuration     metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	activeOrders     int64
	openExpectations int64
	imbalanceMap     map[string]float64
	equityMap        map[string]float64
	deltaMap         map[string]float64
	trippedMap       map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			imbalanceMap: make(map[string]float64),
			equityMap:    make(map[string]float64),
			deltaMap:     make(map[string]float64),
			trippedMap:   make(map[string]int64),
		}
		// Instruments are created in InitMetrics once a meter exists.
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed across all venues"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total order placements rejected or failed"))
	if err != nil {
		return err
	}

	m.SlicesCompletedTotal, err = meter.Int64Counter(MetricSlicesCompletedTotal, metric.WithDescription("Total hedge slices completed"))
	if err != nil {
		return err
	}

	m.SlicesAbortedTotal, err = meter.Int64Counter(MetricSlicesAbortedTotal, metric.WithDescription("Total hedge slices aborted"))
	if err != nil {
		return err
	}

	m.OrphansCancelledTotal, err = meter.Int64Counter(MetricOrphansCancelledTotal, metric.WithDescription("Total orphan orders cancelled by the guardian"))
	if err != nil {
		return err
	}

	m.RecoveryAttemptsTotal, err = meter.Int64Counter(MetricRecoveryAttemptsTotal, metric.WithDescription("Total single-leg recovery attempts"))
	if err != nil {
		return err
	}

	m.UnwindOrdersTotal, err = meter.Int64Counter(MetricUnwindOrdersTotal, metric.WithDescription("Total reduce-only orders placed by the unwinder"))
	if err != nil {
		return err
	}

	m.LegFillLatency, err = meter.Float64Histogram(MetricLegFillLatency, metric.WithDescription("Time from leg submission to terminal fill"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.ReconcileDuration, err = meter.Float64Histogram(MetricReconcileDuration, metric.WithDescription("Duration of one reconciliation tick"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	// Observables
	m.ActiveOrders, err = meter.Int64ObservableGauge(MetricActiveOrders, metric.WithDescription("Active records in the lock registry"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeOrders)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenExpectations, err = meter.Int64ObservableGauge(MetricOpenExpectations, metric.WithDescription("Unverified reconciliation expectations"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openExpectations)
			return nil
		}))
	if err != nil {
		return err
	}

	m.HedgeImbalance, err = meter.Float64ObservableGauge(MetricHedgeImbalance, metric.WithDescription("Hedge pair imbalance percent per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.imbalanceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueEquity, err = meter.Float64ObservableGauge(MetricVenueEquity, metric.WithDescription("Account equity per venue in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeltaExposure, err = meter.Float64ObservableGauge(MetricDeltaExposure, metric.WithDescription("Net signed exposure per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.deltaMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueTripped, err = meter.Int64ObservableGauge(MetricVenueTripped, metric.WithDescription("1 while the venue trip switch refuses placements"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.trippedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter and histogram helpers. Safe to call before InitMetrics has
// wired instruments; recording is skipped until then.

func (m *MetricsHolder) IncOrdersPlaced(venue string) {
	if m.OrdersPlacedTotal != nil {
		m.OrdersPlacedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncOrdersCancelled(venue string) {
	if m.OrdersCancelledTotal != nil {
		m.OrdersCancelledTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncOrdersFailed(venue string) {
	if m.OrdersFailedTotal != nil {
		m.OrdersFailedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncSlicesCompleted(symbol string) {
	if m.SlicesCompletedTotal != nil {
		m.SlicesCompletedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

func (m *MetricsHolder) IncSlicesAborted(symbol, reason string) {
	if m.SlicesAbortedTotal != nil {
		m.SlicesAbortedTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("symbol", symbol), attribute.String("reason", reason)))
	}
}

func (m *MetricsHolder) IncOrphansCancelled(venue string) {
	if m.OrphansCancelledTotal != nil {
		m.OrphansCancelledTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncRecoveryAttempts(symbol string) {
	if m.RecoveryAttemptsTotal != nil {
		m.RecoveryAttemptsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

func (m *MetricsHolder) IncUnwindOrders(venue string) {
	if m.UnwindOrdersTotal != nil {
		m.UnwindOrdersTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) ObserveLegFillLatency(venue string, seconds float64) {
	if m.LegFillLatency != nil {
		m.LegFillLatency.Record(context.Background(), seconds, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) ObserveReconcileDuration(seconds float64) {
	if m.ReconcileDuration != nil {
		m.ReconcileDuration.Record(context.Background(), seconds)
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveOrders(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrders = count
}

func (m *MetricsHolder) SetOpenExpectations(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openExpectations = count
}

func (m *MetricsHolder) SetHedgeImbalance(symbol string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imbalanceMap[symbol] = percent
}

func (m *MetricsHolder) SetVenueEquity(venue string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[venue] = equity
}

func (m *MetricsHolder) SetVenueTripped(venue string, tripped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tripped {
		m.trippedMap[venue] = 1
	} else {
		m.trippedMap[venue] = 0
	}
}

func (m *MetricsHolder) SetDeltaExposure(symbol string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaMap[symbol] = delta
}
