package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helios/internal/domain"
)

// Metrics holds the Prometheus collectors for planning sessions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Sessions        *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Turns           *prometheus.CounterVec
	ReplyDuration   *prometheus.HistogramVec
	PlanValidations *prometheus.CounterVec
	FeedbackIntents *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_sessions_total",
				Help: "Planning runs and feedback rounds by outcome",
			},
			[]string{"kind", "outcome"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_transitions_total",
				Help: "State machine transitions",
			},
			[]string{"from", "to"},
		),
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_turns_total",
				Help: "Replies taken per role",
			},
			[]string{"role"},
		),
		ReplyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helios_reply_duration_seconds",
				Help:    "Time to obtain one reply from a role",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"role"},
		),
		PlanValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_plan_validations_total",
				Help: "Proposed plans by validation result",
			},
			[]string{"result"},
		),
		FeedbackIntents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_feedback_intents_total",
				Help: "Classified feedback by intent",
			},
			[]string{"intent"},
		),
	}
}

// NewRegistry returns a fresh registry with Helios metrics registered on it.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, NewMetrics(reg)
}

func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSession(kind, outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to domain.State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordTurn(role domain.Role, took time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(string(role)).Inc()
	m.ReplyDuration.WithLabelValues(string(role)).Observe(took.Seconds())
}

func (m *Metrics) RecordPlanValidation(result string) {
	if m == nil {
		return
	}
	m.PlanValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFeedback(kind domain.IntentKind) {
	if m == nil {
		return
	}
	m.FeedbackIntents.WithLabelValues(string(kind)).Inc()
}
