package updown

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("demeflow.updown")

var (
	// reconstructionsTotal counts finished reconstructions by outcome
	reconstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demeflow_reconstructions_total",
		Help: "Total ancestral state reconstructions by outcome",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demeflow_numerical_retries_total",
		Help: "Up-pass restarts with a reduced integration tolerance",
	})

	odeEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demeflow_ode_evaluations_total",
		Help: "Right-hand side evaluations spent by the integrator",
	})

	reconstructionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "demeflow_reconstruction_duration_seconds",
		Help:    "Wall time of one up-down reconstruction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
