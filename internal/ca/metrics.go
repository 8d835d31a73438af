package ca

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adamscao/castore/internal/models"
)

var metrics = struct {
	actions        *prometheus.CounterVec
	actionErrors   *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
}{
	actions: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castore",
			Name:      "actions_total",
			Help:      "Count of CA actions attempted since startup",
		},
		[]string{"action"},
	),
	actionErrors: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castore",
			Name:      "action_errors_total",
			Help:      "Count of CA actions that failed since startup",
		},
		[]string{"action"},
	),
	fallbacks: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castore",
			Name:      "fallbacks_total",
			Help:      "Count of CA actions completed by an unconditional delete",
		},
		[]string{"action"},
	),
	actionDuration: prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castore",
			Name:      "action_duration_seconds",
			Help:      "Time spent performing a CA action",
		},
		[]string{"action"},
	),
}

var metricsRegister sync.Once

// RegisterMetrics registers the engine's collectors with the default
// registry. It is safe to call more than once.
func RegisterMetrics() {
	metricsRegister.Do(func() {
		prometheus.MustRegister(metrics.actions)
		prometheus.MustRegister(metrics.actionErrors)
		prometheus.MustRegister(metrics.fallbacks)
		prometheus.MustRegister(metrics.actionDuration)
	})
}

func recordAction(action models.Action, start time.Time) {
	metrics.actions.WithLabelValues(action.String()).Inc()
	metrics.actionDuration.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())
}

func recordError(action models.Action) {
	metrics.actionErrors.WithLabelValues(action.String()).Inc()
}

func recordFallback(action models.Action) {
	metrics.fallbacks.WithLabelValues(action.String()).Inc()
}
