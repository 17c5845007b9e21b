// Package metrics holds the prometheus collectors for downloads.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Export results.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultAborted     = "aborted"
	ResultRejected    = "rejected"
	ResultStartFailed = "start_failed"
)

// Stream kinds for byte counters.
const (
	KindZip   = "zip"
	KindFile  = "file"
	KindRange = "range"
)

// Range outcomes.
const (
	RangePartial       = "partial"
	RangeUnsatisfiable = "unsatisfiable"
)

type Collector struct {
	exportsActive  prometheus.Gauge
	exportsTotal   *prometheus.CounterVec
	exportDuration prometheus.Histogram
	bytesStreamed  *prometheus.CounterVec
	rangeRequests  *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the download collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.exportsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "exports_active",
		Help:      "Number of folder exports currently streaming",
	})

	c.exportsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Folder export attempts by result",
		},
		[]string{"result"},
	)

	c.exportDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "export_duration_seconds",
		Help:      "Wall time of a folder export worker",
		Buckets:   []float64{.05, .25, 1, 5, 15, 60, 300, 1800},
	})

	c.bytesStreamed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes written to download responses",
		},
		[]string{"kind"},
	)

	c.rangeRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_requests_total",
			Help:      "Range requests by outcome",
		},
		[]string{"outcome"},
	)

	c.logger.Debug("collectors registered", zap.String("namespace", namespace))
	return c
}

// ExportStarted records an admitted export worker.
func (c *Collector) ExportStarted() {
	if c == nil {
		return
	}
	c.exportsActive.Inc()
}

// ExportFinished records a worker leaving, with its result and runtime.
func (c *Collector) ExportFinished(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.exportsActive.Dec()
	c.exportsTotal.WithLabelValues(result).Inc()
	c.exportDuration.Observe(d.Seconds())
}

// ExportNotStarted records an attempt that never got a worker.
func (c *Collector) ExportNotStarted(result string) {
	if c == nil {
		return
	}
	c.exportsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) AddBytes(kind string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesStreamed.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) RangeRequest(outcome string) {
	if c == nil {
		return
	}
	c.rangeRequests.WithLabelValues(outcome).Inc()
}
