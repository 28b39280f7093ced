package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medgate",
		Name:      "requests_started_total",
		Help:      "Number of orchestrated requests started.",
	})
	metricRequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medgate",
		Name:      "requests_rejected_total",
		Help:      "Number of requests rejected by the policy gate.",
	})
	metricRequestsCorrected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medgate",
		Name:      "requests_corrected_total",
		Help:      "Number of requests executed with an oracle-corrected sequence.",
	})
	metricStepsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medgate",
		Name:      "pipeline_steps_executed_total",
		Help:      "Number of pipeline steps executed across all requests.",
	})
	metricMemoryDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medgate",
		Name:      "memory_degraded_total",
		Help:      "Number of requests where session memory was unavailable.",
	})
)

func recordRequestStart() {
	metricRequestsStarted.Inc()
}

func recordRejection() {
	metricRequestsRejected.Inc()
}

func recordCorrection() {
	metricRequestsCorrected.Inc()
}

func recordStepsExecuted(count int) {
	if count > 0 {
		metricStepsExecuted.Add(float64(count))
	}
}

func recordMemoryDegraded() {
	metricMemoryDegraded.Inc()
}
