package teleport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the engine. A nil *Metrics
// records nothing.
type Metrics struct {
	Submissions    *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	Refunds        prometheus.Counter
	RefundedAmount prometheus.Counter
	Evictions      *prometheus.CounterVec
	Pending        prometheus.Gauge
	Warmups        prometheus.Gauge
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleport_submissions_total",
				Help: "Teleport submissions by validation result",
			},
			[]string{"result"}, // accepted, self, toggle_blocked, precondition
		),
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleport_task_outcomes_total",
				Help: "Terminal task outcomes by reason",
			},
			[]string{"outcome", "reason"},
		),
		Refunds: f.NewCounter(prometheus.CounterOpts{
			Name: "teleport_refunds_total",
			Help: "Escrow refunds paid back to charged parties",
		}),
		RefundedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "teleport_refunded_amount_total",
			Help: "Sum of refunded escrow",
		}),
		Evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleport_pending_evictions_total",
				Help: "Pending requests removed without being answered",
			},
			[]string{"cause"}, // superseded, expired
		),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "teleport_pending_requests",
			Help: "Pending requests awaiting an answer",
		}),
		Warmups: f.NewGauge(prometheus.GaugeOpts{
			Name: "teleport_active_warmups",
			Help: "Teleports waiting for their warmup to elapse",
		}),
	}
}

func (m *Metrics) submission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) outcome(o Outcome, reason error) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(o.String(), reasonLabel(reason)).Inc()
}

func (m *Metrics) refund(amount float64) {
	if m == nil {
		return
	}
	m.Refunds.Inc()
	m.RefundedAmount.Add(amount)
}

func (m *Metrics) eviction(cause string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(cause).Inc()
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) warmups(n int) {
	if m == nil {
		return
	}
	m.Warmups.Set(float64(n))
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTargetUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUnsafeDestination):
		return "unsafe"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "cancelled"
	}
}
