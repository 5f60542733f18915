// Package prometheus provides the Prometheus-backed implementations of
// the metrics interfaces declared by the storage packages.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/verso/pkg/metrics"
	"github.com/marmos91/verso/pkg/vfs/versioned"
)

// versionedMetrics is the Prometheus implementation of versioned.Metrics.
type versionedMetrics struct {
	readOps        prometheus.Counter
	readBytes      prometheus.Counter
	readDuration   prometheus.Histogram
	writeOps       prometheus.Counter
	writeBytes     prometheus.Counter
	writeDuration  prometheus.Histogram
	commits        *prometheus.CounterVec
	commitPages    prometheus.Histogram
	commitDuration prometheus.Histogram
	reclaimedSlots prometheus.Counter
}

// NewVersionedMetrics creates a Prometheus-backed versioned.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called); the
// backend treats a nil Metrics as a no-op.
func NewVersionedMetrics() versioned.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	durationBuckets := []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000}

	return &versionedMetrics{
		readOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_versioned_read_operations_total",
			Help: "Total number of page reads served by the versioned backend",
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_versioned_read_bytes_total",
			Help: "Total bytes read through the versioned backend",
		}),
		readDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "verso_versioned_read_duration_milliseconds",
			Help:    "Duration of versioned reads in milliseconds",
			Buckets: durationBuckets,
		}),
		writeOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_versioned_write_operations_total",
			Help: "Total number of page writes placed by the versioned backend",
		}),
		writeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_versioned_write_bytes_total",
			Help: "Total bytes written through the versioned backend",
		}),
		writeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "verso_versioned_write_duration_milliseconds",
			Help:    "Duration of versioned writes in milliseconds",
			Buckets: durationBuckets,
		}),
		commits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verso_versioned_commits_total",
			Help: "Total number of committed transactions by finalization",
		}, []string{"finalized"}), // "true", "false"
		commitPages: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "verso_versioned_commit_pages",
			Help:    "Distribution of pages per committed transaction",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 1024},
		}),
		commitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "verso_versioned_commit_duration_milliseconds",
			Help:    "Duration of commits in milliseconds",
			Buckets: durationBuckets,
		}),
		reclaimedSlots: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "verso_versioned_reclaimed_slots_total",
			Help: "Total page slots returned to the free set",
		}),
	}
}

func (m *versionedMetrics) ObserveRead(bytes int, d time.Duration) {
	m.readOps.Inc()
	m.readBytes.Add(float64(bytes))
	m.readDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

func (m *versionedMetrics) ObserveWrite(bytes int, d time.Duration) {
	m.writeOps.Inc()
	m.writeBytes.Add(float64(bytes))
	m.writeDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

func (m *versionedMetrics) ObserveCommit(pages int, finalized bool, d time.Duration) {
	label := "false"
	if finalized {
		label = "true"
	}
	m.commits.WithLabelValues(label).Inc()
	m.commitPages.Observe(float64(pages))
	m.commitDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

func (m *versionedMetrics) AddReclaimed(n int) {
	m.reclaimedSlots.Add(float64(n))
}
