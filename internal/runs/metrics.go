package runs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts runs reaching a terminal status.
	// Labels: type (audit, suggest), status (SUCCESS, FAILED)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "runs_total",
		Help:      "Total runs by type and terminal status",
	}, []string{"type", "status"})

	// runsDeduplicated counts create calls answered with an already active run.
	runsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "runs_deduplicated_total",
		Help:      "Total run creations answered with an existing active run",
	}, []string{"type"})

	// workerDuration measures the synchronous worker call.
	// Labels: type
	workerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "worker_duration_seconds",
		Help:      "Worker call latency in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"type"})
)
