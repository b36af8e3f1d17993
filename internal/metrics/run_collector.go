package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunState is the live view of the current supervision run.
type RunState struct {
	Student    string
	Live       int
	Backlog    int
	QueueDepth int
}

// RunSource reports the current RunState.
type RunSource func(ctx context.Context) (RunState, error)

type runCollector struct {
	source atomic.Pointer[RunSource]
	logger atomic.Pointer[slog.Logger]

	liveDesc    *prometheus.Desc
	backlogDesc *prometheus.Desc
	depthDesc   *prometheus.Desc
}

func newRunCollector() *runCollector {
	return &runCollector{
		liveDesc: prometheus.NewDesc(
			"batchsup_workers_live",
			"Workers spawned and not yet reaped.",
			[]string{"student"},
			nil,
		),
		backlogDesc: prometheus.NewDesc(
			"batchsup_backlog_files",
			"Input files not yet placed on the work queue.",
			[]string{"student"},
			nil,
		),
		depthDesc: prometheus.NewDesc(
			"batchsup_work_queue_depth",
			"Items currently waiting on the shared work queue.",
			[]string{"student"},
			nil,
		),
	}
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveDesc
	ch <- c.backlogDesc
	ch <- c.depthDesc
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	src := c.source.Load()
	if src == nil {
		return
	}

	// Keep broker reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := (*src)(ctx)
	if err != nil {
		if logger := c.logger.Load(); logger != nil {
			logger.Warn("prometheus run collector failed", "err", err)
		}
		return
	}
	emitGauge(ch, c.liveDesc, float64(st.Live), st.Student)
	emitGauge(ch, c.backlogDesc, float64(st.Backlog), st.Student)
	emitGauge(ch, c.depthDesc, float64(st.QueueDepth), st.Student)
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var (
	registerRunCollectorOnce sync.Once
	collector                = newRunCollector()
)

// RegisterRunCollector points the process-wide run gauges at src. Later
// calls replace the source of earlier ones.
func RegisterRunCollector(src RunSource, logger *slog.Logger) {
	registerRunCollectorOnce.Do(func() {
		prometheus.MustRegister(collector)
	})
	collector.source.Store(&src)
	if logger != nil {
		collector.logger.Store(logger)
	}
}
