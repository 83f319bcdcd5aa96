package ingest

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsIngest struct {
	once sync.Once

	stageDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	flattenFiles  prometheus.Counter
	flattenSkips  prometheus.Counter
}

var ingMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
		m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "repochat_ingest_stage_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: buckets,
		}, []string{"stage"})
		m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repochat_ingest_total",
			Help: "Ingestion requests by outcome",
		}, []string{"outcome"})
		m.flattenFiles = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_flattened_files_total", Help: "Files kept by flattening"})
		m.flattenSkips = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_skipped_files_total", Help: "Files dropped by the extension allow-list"})

		prometheus.MustRegister(m.stageDuration, m.outcomes, m.flattenFiles, m.flattenSkips)
	})
}

func observeStage(stage string, start time.Time) {
	ingMetrics.init()
	ingMetrics.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func recordOutcome(outcome string) {
	ingMetrics.init()
	ingMetrics.outcomes.WithLabelValues(outcome).Inc()
}

func recordFlatten(res FlattenResult) {
	ingMetrics.init()
	ingMetrics.flattenFiles.Add(float64(len(res.Files)))
	ingMetrics.flattenSkips.Add(float64(res.Skipped))
}
