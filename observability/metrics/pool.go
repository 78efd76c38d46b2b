package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MaxNodeSeries caps the ticks exported as node gauges. Ticks are
// caller-chosen, so only funded nodes are exported and series past the cap
// are counted as dropped.
const MaxNodeSeries = 256

// PoolMetrics tracks ledger operations and node liquidity.
type PoolMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	deposited  *prometheus.GaugeVec
	used       *prometheus.GaugeVec
	dropped    prometheus.Counter
	adminFees  prometheus.Gauge
	loans      *prometheus.CounterVec

	mu    sync.Mutex
	ticks map[string]struct{}
}

var (
	poolOnce     sync.Once
	poolRegistry *PoolMetrics
)

// Pool returns the process-wide pool metrics, registering them with the
// default prometheus registry on first use.
func Pool() *PoolMetrics {
	poolOnce.Do(func() {
		poolRegistry = newPoolMetrics()
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.latency,
			poolRegistry.deposited,
			poolRegistry.used,
			poolRegistry.dropped,
			poolRegistry.adminFees,
			poolRegistry.loans,
		)
	})
	return poolRegistry
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickpool",
			Name:      "operations_total",
			Help:      "Pool operations segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickpool",
			Name:      "operation_duration_seconds",
			Help:      "Latency of pool operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		deposited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickpool",
			Subsystem: "node",
			Name:      "deposited",
			Help:      "Deposited value per tick in currency base units.",
		}, []string{"tick"}),
		used: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickpool",
			Subsystem: "node",
			Name:      "used",
			Help:      "Value lent out per tick in currency base units.",
		}, []string{"tick"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickpool",
			Subsystem: "node",
			Name:      "series_dropped_total",
			Help:      "Node updates not exported because the tick series cap was reached.",
		}),
		ticks: make(map[string]struct{}),
		adminFees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickpool",
			Name:      "admin_fees",
			Help:      "Accrued admin fees in currency base units.",
		}),
		loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickpool",
			Name:      "loan_transitions_total",
			Help:      "Loan status transitions by resulting status.",
		}, []string{"status"}),
	}
}

// ObserveOperation records one operation and its latency. A nil err counts as
// "ok"; otherwise outcome names the failure class.
func (m *PoolMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = normalizeLabel(op)
	m.operations.WithLabelValues(op, normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetNodeLiquidity publishes the balances of one node. Empty nodes drop
// their series; at most MaxNodeSeries ticks are exported at once.
func (m *PoolMetrics) SetNodeLiquidity(tick string, deposited, used *big.Int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, tracked := m.ticks[tick]
	if deposited == nil || deposited.Sign() <= 0 {
		if tracked {
			delete(m.ticks, tick)
			m.deposited.DeleteLabelValues(tick)
			m.used.DeleteLabelValues(tick)
		}
		return
	}
	if !tracked {
		if len(m.ticks) >= MaxNodeSeries {
			m.dropped.Inc()
			return
		}
		m.ticks[tick] = struct{}{}
	}
	m.deposited.WithLabelValues(tick).Set(toFloat(deposited))
	m.used.WithLabelValues(tick).Set(toFloat(used))
}

// SetAdminFees publishes the accrued admin fee total.
func (m *PoolMetrics) SetAdminFees(amount *big.Int) {
	if m == nil {
		return
	}
	m.adminFees.Set(toFloat(amount))
}

// IncLoanTransition counts a loan entering status.
func (m *PoolMetrics) IncLoanTransition(status string) {
	if m == nil {
		return
	}
	m.loans.WithLabelValues(normalizeLabel(status)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
