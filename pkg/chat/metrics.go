package chat

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsChat struct {
	once sync.Once

	queries       *prometheus.CounterVec
	streamSeconds prometheus.Histogram
	firstDelta    prometheus.Histogram
}

var chatMetrics metricsChat

func (m *metricsChat) init() {
	m.once.Do(func() {
		buckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80}
		m.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repochat_chat_queries_total",
			Help: "Answer streams by outcome",
		}, []string{"outcome"})
		m.streamSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "repochat_chat_stream_seconds",
			Help:    "Duration of answer streams",
			Buckets: buckets,
		})
		m.firstDelta = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "repochat_chat_first_delta_seconds",
			Help:    "Time from run start to the first answer delta",
			Buckets: buckets,
		})
		prometheus.MustRegister(m.queries, m.streamSeconds, m.firstDelta)
	})
}

func recordQuery(outcome string, start time.Time) {
	chatMetrics.init()
	chatMetrics.queries.WithLabelValues(outcome).Inc()
	chatMetrics.streamSeconds.Observe(time.Since(start).Seconds())
}

func observeFirstDelta(start time.Time) {
	chatMetrics.init()
	chatMetrics.firstDelta.Observe(time.Since(start).Seconds())
}
