// Package metrics holds the agent's prometheus collectors, exposed on
// the serve-mode admin server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HealthVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "writer_agent",
		Name:      "health_verdicts_total",
		Help:      "Health verdicts written, by resulting status.",
	}, []string{"status"})

	RestartAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "writer_agent",
		Name:      "restart_attempts_total",
		Help:      "Self-heal container restart attempts.",
	})

	ShutdownStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "writer_agent",
		Name:      "shutdown_step_failures_total",
		Help:      "Shutdown steps that failed and were skipped over.",
	}, []string{"step"})
)
