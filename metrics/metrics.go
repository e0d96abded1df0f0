package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the allocation engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Request transitions by kind and target status
	Transitions *prometheus.CounterVec

	// Stock movements by blood group and direction ("debit", "credit")
	StockMovements *prometheus.CounterVec

	// Debits refused by blood group
	StockRefused *prometheus.CounterVec

	// Last observed balance per blood group
	StockUnits *prometheus.GaugeVec

	// Counted cancellations; the "banned" label is "true" when the strike triggered a ban
	Strikes *prometheus.CounterVec

	// Children closed by the arrival sweeper
	SweptArrivals prometheus.Counter

	// Sweep pass latency
	SweepLatency prometheus.Histogram

	// Operation latency by operation name
	OperationLatency *prometheus.HistogramVec
}

// New creates a Metrics instance registered with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_request_transitions_total",
			Help: "Request status transitions by kind and target status",
		}, []string{"kind", "status"}),

		StockMovements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_stock_units_moved_total",
			Help: "Units debited from or credited to stock by blood group",
		}, []string{"blood_group", "direction"}),

		StockRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_stock_debits_refused_total",
			Help: "Stock debits refused by blood group",
		}, []string{"blood_group"}),

		StockUnits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bloodbank_stock_units",
			Help: "Last observed unit balance by blood group",
		}, []string{"blood_group"}),

		Strikes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_requester_strikes_total",
			Help: "Counted requester cancellations",
		}, []string{"banned"}),

		SweptArrivals: factory.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_arrivals_closed_total",
			Help: "Accepted fulfillments closed by the arrival sweeper",
		}),

		SweepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bloodbank_sweep_duration_seconds",
			Help:    "Duration of an arrival sweep pass",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloodbank_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// IncTransition records a request moving to status.
func (m *Metrics) IncTransition(kind, status string) {
	if m != nil {
		m.Transitions.WithLabelValues(kind, status).Inc()
	}
}

// AddStockMovement records units moved in direction.
func (m *Metrics) AddStockMovement(group, direction string, units int) {
	if m != nil {
		m.StockMovements.WithLabelValues(group, direction).Add(float64(units))
	}
}

func (m *Metrics) IncStockRefused(group string) {
	if m != nil {
		m.StockRefused.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) SetStockUnits(group string, units int) {
	if m != nil {
		m.StockUnits.WithLabelValues(group).Set(float64(units))
	}
}

// IncStrike records a counted cancellation.
func (m *Metrics) IncStrike(banned bool) {
	if m == nil {
		return
	}
	label := "false"
	if banned {
		label = "true"
	}
	m.Strikes.WithLabelValues(label).Inc()
}

// ObserveSweep records one sweeper pass.
func (m *Metrics) ObserveSweep(closed int, d time.Duration) {
	if m != nil {
		m.SweptArrivals.Add(float64(closed))
		m.SweepLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}
