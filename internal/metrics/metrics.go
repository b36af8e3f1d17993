package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchsup"

var (
	WorkersSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total number of worker processes started.",
		},
		[]string{"student"},
	)

	WorkersReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_reaped_total",
			Help:      "Total number of workers reaped, labeled by final status.",
		},
		[]string{"student", "status"},
	)

	FilesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_dispatched_total",
			Help:      "Total number of input files handed to workers.",
		},
		[]string{"student", "mode"},
	)

	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of worker results received, labeled by outcome (kept, discarded, invalid, empty, orphan).",
		},
		[]string{"student", "outcome"},
	)

	AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Total number of runs ended by an abort control message.",
		},
		[]string{"student"},
	)

	PublishDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent merging reports and artifacts (seconds).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"student", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersSpawnedTotal,
		WorkersReapedTotal,
		FilesDispatchedTotal,
		ResultsTotal,
		AbortsTotal,
		PublishDurationSeconds,
	)
}

// WriteTextfile dumps the default registry in the text exposition format, for
// scraping batch runs through a node exporter textfile directory.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
