package services

import "github.com/prometheus/client_golang/prometheus"

var (
	leadsCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leads_created_total",
			Help: "Total number of machine-detected leads created by the pipeline.",
		},
	)
	publicationsProcessedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "publications_processed_total",
			Help: "Total number of publications that completed lead extraction.",
		},
	)
	stageFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Total number of failed pipeline stage runs.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(leadsCreatedCounter, publicationsProcessedCounter, stageFailuresCounter)
}
