// Package metrics holds the Prometheus collectors shared by the scheduler,
// the population loop and the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurofleet_scheduler_jobs",
			Help: "Jobs currently held by the scheduler, by status.",
		},
		[]string{"status"},
	)

	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurofleet_scheduler_nodes",
			Help: "Registered worker nodes, by status.",
		},
		[]string{"status"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofleet_scheduler_job_transitions_total",
			Help: "Job state transitions, by reason.",
		},
		[]string{"reason"},
	)

	SchedulerExhausted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neurofleet_scheduler_exhausted",
			Help: "1 while pending jobs exist and no node is available to take them.",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neurofleet_evaluation_duration_seconds",
			Help:    "Time from job assignment to result or failure report.",
			Buckets: prometheus.DefBuckets,
		},
	)

	Generation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurofleet_population_generation",
			Help: "Current generation of each population.",
		},
		[]string{"experiment", "population"},
	)

	BestFitness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurofleet_population_best_fitness",
			Help: "Best fitness of the last evaluated generation.",
		},
		[]string{"experiment", "population"},
	)

	FailedEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofleet_failed_evaluations_total",
			Help: "Genotypes assigned worst-case fitness after a failed evaluation.",
		},
		[]string{"experiment", "population"},
	)

	Checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofleet_checkpoints_total",
			Help: "Checkpoint attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(NodesByStatus)
	prometheus.MustRegister(JobTransitions)
	prometheus.MustRegister(SchedulerExhausted)
	prometheus.MustRegister(EvaluationDuration)
	prometheus.MustRegister(Generation)
	prometheus.MustRegister(BestFitness)
	prometheus.MustRegister(FailedEvaluations)
	prometheus.MustRegister(Checkpoints)
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
