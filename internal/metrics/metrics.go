// Package metrics provides Prometheus metrics for the countitems scanner.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all countitems metrics.
var Registry = prometheus.NewRegistry()

// Round outcomes.
const (
	RoundSucceeded = "success"
	RoundFailed    = "failure"
)

// ScannerMetrics holds all Prometheus metrics of the scanner. A nil
// *ScannerMetrics is valid and records nothing.
type ScannerMetrics struct {
	// Rounds
	RoundsTotal         *prometheus.CounterVec // labels: status
	RoundDuration       prometheus.Histogram
	LastSuccessfulRound prometheus.Gauge // unix seconds

	// Buckets and records
	BucketsInPool    prometheus.Gauge
	BucketsScanned   prometheus.Counter
	BucketFailures   prometheus.Counter
	RecordsScanned   prometheus.Counter
	InvalidRecords   prometheus.Counter
	ReplicaFallbacks prometheus.Counter

	// Change feed
	Corrections         *prometheus.CounterVec // labels: result
	FeedResubscriptions prometheus.Counter
	FeedSlowConsumer    prometheus.Counter

	// Publication
	PublishAttempts  *prometheus.CounterVec // labels: result
	PublishedBytes   *prometheus.GaugeVec   // labels: version
	PublishedObjects *prometheus.GaugeVec   // labels: version
	StalledObjects   prometheus.Gauge
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given instance name as a constant label.
func InitMetrics(instance string) *ScannerMetrics {
	constLabels := prometheus.Labels{
		"instance_name": instance,
	}

	return &ScannerMetrics{
		RoundsTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "countitems_rounds_total",
			Help:        "Total scan rounds by outcome",
			ConstLabels: constLabels,
		}, []string{"status"}),
		RoundDuration: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "countitems_round_duration_seconds",
			Help:        "Duration of scan rounds",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
			ConstLabels: constLabels,
		}),
		LastSuccessfulRound: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "countitems_last_successful_round_timestamp_seconds",
			Help:        "Unix time of the last round whose results were published",
			ConstLabels: constLabels,
		}),

		BucketsInPool: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "countitems_buckets",
			Help:        "Number of buckets tracked by the scanner",
			ConstLabels: constLabels,
		}),
		BucketsScanned: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_bucket_scans_total",
			Help:        "Total successful bucket scans",
			ConstLabels: constLabels,
		}),
		BucketFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_bucket_failures_total",
			Help:        "Total bucket scans that failed and were flagged for a full rescan",
			ConstLabels: constLabels,
		}),
		RecordsScanned: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_records_scanned_total",
			Help:        "Total object records accounted",
			ConstLabels: constLabels,
		}),
		InvalidRecords: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_invalid_records_total",
			Help:        "Total object records skipped because they could not be parsed",
			ConstLabels: constLabels,
		}),
		ReplicaFallbacks: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_replica_status_fallbacks_total",
			Help:        "Rounds whose horizon fell back to wall clock time",
			ConstLabels: constLabels,
		}),

		Corrections: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "countitems_corrections_total",
			Help:        "Deletion events by outcome",
			ConstLabels: constLabels,
		}, []string{"result"}),
		FeedResubscriptions: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_feed_resubscriptions_total",
			Help:        "Total change feed resubscriptions after an error",
			ConstLabels: constLabels,
		}),
		FeedSlowConsumer: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "countitems_feed_slow_consumer_total",
			Help:        "Times the change feed buffer overflowed and dropped deletion events",
			ConstLabels: constLabels,
		}),

		PublishAttempts: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "countitems_publish_attempts_total",
			Help:        "Result set swap attempts by outcome",
			ConstLabels: constLabels,
		}, []string{"result"}),
		PublishedBytes: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "countitems_published_bytes",
			Help:        "Published used capacity across all buckets",
			ConstLabels: constLabels,
		}, []string{"version"}),
		PublishedObjects: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "countitems_published_objects",
			Help:        "Published object count across all buckets",
			ConstLabels: constLabels,
		}, []string{"version"}),
		StalledObjects: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "countitems_stalled_objects",
			Help:        "Versions whose replication has been pending for too long",
			ConstLabels: constLabels,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRound records the outcome of a round.
func (m *ScannerMetrics) ObserveRound(status string, elapsed time.Duration, end time.Time) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(status).Inc()
	m.RoundDuration.Observe(elapsed.Seconds())
	if status == RoundSucceeded {
		m.LastSuccessfulRound.Set(float64(end.Unix()))
	}
}

// ObserveBucket records one bucket scan.
func (m *ScannerMetrics) ObserveBucket(ok bool, records, invalid int64) {
	if m == nil {
		return
	}
	if ok {
		m.BucketsScanned.Inc()
	} else {
		m.BucketFailures.Inc()
	}
	m.RecordsScanned.Add(float64(records))
	m.InvalidRecords.Add(float64(invalid))
}

// SetPoolSize records the number of tracked buckets.
func (m *ScannerMetrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.BucketsInPool.Set(float64(n))
}

// ReplicaFallback records a wall clock horizon.
func (m *ScannerMetrics) ReplicaFallback() {
	if m == nil {
		return
	}
	m.ReplicaFallbacks.Inc()
}

// Correction records a deletion event outcome ("applied" or "skipped").
func (m *ScannerMetrics) Correction(result string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(result).Inc()
}

// Resubscribed records a change feed resubscription.
func (m *ScannerMetrics) Resubscribed() {
	if m == nil {
		return
	}
	m.FeedResubscriptions.Inc()
}

// FeedDropped records a change feed buffer overflow.
func (m *ScannerMetrics) FeedDropped() {
	if m == nil {
		return
	}
	m.FeedSlowConsumer.Inc()
}

// PublishAttempt records one swap attempt.
func (m *ScannerMetrics) PublishAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.PublishAttempts.WithLabelValues(result).Inc()
}

// SetPublished records the published totals.
func (m *ScannerMetrics) SetPublished(currentBytes, nonCurrentBytes, currentObjects, nonCurrentObjects, stalled int64) {
	if m == nil {
		return
	}
	m.PublishedBytes.WithLabelValues("current").Set(float64(currentBytes))
	m.PublishedBytes.WithLabelValues("noncurrent").Set(float64(nonCurrentBytes))
	m.PublishedObjects.WithLabelValues("current").Set(float64(currentObjects))
	m.PublishedObjects.WithLabelValues("noncurrent").Set(float64(nonCurrentObjects))
	m.StalledObjects.Set(float64(stalled))
}
