package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

// MetricsRegistry holds the Prometheus metrics for the assistant. It observes
// every committed engine transaction.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Lifecycle counters
	Events         *prometheus.CounterVec
	RiskRejections *prometheus.CounterVec
	SaveFailures   prometheus.Counter

	// Point-in-time gauges
	PendingSignals prometheus.Gauge
	OpenPositions  prometheus.Gauge
	DailyPnL       prometheus.Gauge
	FloatingPnL    prometheus.Gauge
	Balance        prometheus.Gauge
	TradesToday    prometheus.Gauge
	BreakerState   prometheus.Gauge
	CallsToday     prometheus.Gauge
	CallsRemaining prometheus.Gauge
	Degraded       prometheus.Gauge
}

// NewMetricsRegistry creates the metrics on a private registry.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_events_total",
				Help: "Lifecycle events by kind",
			},
			[]string{"kind"},
		),
		RiskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_risk_rejections_total",
				Help: "Candidates refused by the risk gate by reason",
			},
			[]string{"reason"},
		),
		SaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_state_save_failures_total",
			Help: "State saves that failed",
		}),

		PendingSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_pending_signals",
			Help: "Signals awaiting a decision",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_open_positions",
			Help: "Open positions",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_daily_realized_pnl_dollars",
			Help: "Realized P&L for the current UTC day",
		}),
		FloatingPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_floating_pnl_dollars",
			Help: "Unrealized P&L of open positions at the last close",
		}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_balance_dollars",
			Help: "Starting capital plus lifetime realized P&L",
		}),
		TradesToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_trades_today",
			Help: "Executions recorded today",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_breaker_state",
			Help: "Market data circuit: 0 closed, 1 half-open, 2 open",
		}),
		CallsToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_market_calls_today",
			Help: "Market data calls made today",
		}),
		CallsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_market_calls_remaining",
			Help: "Market data calls left before the reserve",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_degraded",
			Help: "1 when the last market data fetch failed",
		}),
	}

	m.registry.MustRegister(
		m.Events, m.RiskRejections, m.SaveFailures,
		m.PendingSignals, m.OpenPositions, m.DailyPnL, m.FloatingPnL, m.Balance,
		m.TradesToday, m.BreakerState, m.CallsToday, m.CallsRemaining, m.Degraded,
	)
	for _, kind := range []persistence.EventKind{
		persistence.KindSignalCreated, persistence.KindSignalDecided, persistence.KindSignalExecuted,
		persistence.KindSignalExpired, persistence.KindPositionClosed, persistence.KindRiskRejected,
	} {
		m.Events.WithLabelValues(string(kind))
	}
	return m
}

// Publish implements scheduler.Publisher.
func (m *MetricsRegistry) Publish(u scheduler.Update) {
	for _, e := range u.Entries {
		m.Events.WithLabelValues(string(e.Kind)).Inc()
		if e.Kind == persistence.KindRiskRejected {
			if reason, ok := e.Detail["reason"].(string); ok {
				m.RiskRejections.WithLabelValues(reason).Inc()
			}
		}
	}
	if u.SaveErr != nil {
		m.SaveFailures.Inc()
	}
	m.observe(u.Status)
}

func (m *MetricsRegistry) observe(s scheduler.Status) {
	m.PendingSignals.Set(float64(len(s.Pending)))
	m.OpenPositions.Set(float64(len(s.Open)))
	m.DailyPnL.Set(s.Daily.RealizedPnL)
	m.FloatingPnL.Set(s.Floating)
	m.Balance.Set(s.Balance)
	m.TradesToday.Set(float64(s.Daily.TradesToday))
	m.BreakerState.Set(breakerValue(s.Breaker.State))
	m.CallsToday.Set(float64(s.Breaker.CallsToday))
	m.CallsRemaining.Set(float64(s.Breaker.Remaining))
	if s.Degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}

func breakerValue(mode models.BreakerMode) float64 {
	switch mode {
	case models.BreakerHalfOpen:
		return 1
	case models.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// EventCount reads the lifetime counter for one event kind.
func (m *MetricsRegistry) EventCount(kind persistence.EventKind) float64 {
	c, err := m.Events.GetMetricWithLabelValues(string(kind))
	if err != nil {
		return 0
	}
	metric := &io_prometheus_client.Metric{}
	if err := c.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// MetricsHandler serves the private registry.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
