// Package observability centralises prometheus collectors and telemetry
// helpers shared across the service.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexOnce sync.Once
	indexReg  *IndexMetrics
	ammOnce   sync.Once
	ammReg    *AMMMetrics
)

// IndexMetrics captures metrics for index computation reads.
type IndexMetrics struct {
	reads   *prometheus.CounterVec
	latency prometheus.Histogram
	errors  *prometheus.CounterVec
}

// Index returns the singleton metrics registry for the index calculator.
func Index() *IndexMetrics {
	indexOnce.Do(func() {
		indexReg = &IndexMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "avgx",
				Subsystem: "index",
				Name:      "reads_total",
				Help:      "Count of index value computations segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "avgx",
				Subsystem: "index",
				Name:      "read_duration_seconds",
				Help:      "Latency distribution for index value computations.",
				Buckets:   prometheus.DefBuckets,
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "avgx",
				Subsystem: "index",
				Name:      "errors_total",
				Help:      "Count of index computation failures segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(indexReg.reads, indexReg.latency, indexReg.errors)
	})
	return indexReg
}

// Observe records the execution metrics for an index computation.
func (m *IndexMetrics) Observe(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(errorReason(err)).Inc()
	}
	m.reads.WithLabelValues(outcome).Inc()
	m.latency.Observe(duration.Seconds())
}

// AMMMetrics captures metrics for quote and swap flows.
type AMMMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	volume   *prometheus.CounterVec
}

// AMM returns the singleton metrics registry for the AMM engine.
func AMM() *AMMMetrics {
	ammOnce.Do(func() {
		ammReg = &AMMMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "avgx",
				Subsystem: "amm",
				Name:      "requests_total",
				Help:      "Count of AMM operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "avgx",
				Subsystem: "amm",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for AMM operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "avgx",
				Subsystem: "amm",
				Name:      "errors_total",
				Help:      "Count of AMM failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "avgx",
				Subsystem: "amm",
				Name:      "volume_base_units",
				Help:      "Base asset volume processed, segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(ammReg.requests, ammReg.latency, ammReg.errors, ammReg.volume)
	})
	return ammReg
}

// Observe records the execution metrics for an AMM operation.
func (m *AMMMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordVolume accumulates processed base-asset volume for an operation.
func (m *AMMMetrics) RecordVolume(operation string, units float64) {
	if m == nil || units <= 0 {
		return
	}
	m.volume.WithLabelValues(operation).Add(units)
}

func errorReason(err error) string {
	if err == nil {
		return "unknown"
	}
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		return "unknown"
	}
	return reason
}
