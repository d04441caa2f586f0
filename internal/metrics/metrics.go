package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Durations are in milliseconds, sizes in records.
var (
	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harboringest_jobs_started_total",
			Help: "Total number of ingestion job attempts started.",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harboringest_jobs_failed_total",
			Help: "Total number of failed ingestion job attempts by error kind.",
		},
		[]string{"kind"}, // config, input, storage, validation, merge, unknown
	)

	JobsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harboringest_jobs_skipped_total",
			Help: "Total number of attempts whose fragments assembled to zero events.",
		},
	)

	QueueWaitMilliseconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harboringest_queue_wait_milliseconds",
			Help:    "Time between job enqueue and claim, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10), // 10ms .. ~43m
		},
	)

	ProcessingMilliseconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harboringest_processing_milliseconds",
			Help:    "Duration of successful job attempts, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 14), // 5ms .. ~41s
		},
	)

	BatchEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harboringest_batch_events",
			Help:    "Number of events (records) handed to merge per job.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harboringest_queue_depth",
			Help: "Messages (records) waiting in the ingestion queue, sampled per attempt.",
		},
	)

	QueueOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harboringest_queue_outcomes_total",
			Help: "Queue responses to processed messages.",
		},
		[]string{"outcome"}, // finished, requeued, dead
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsStartedTotal,
		JobsFailedTotal,
		JobsSkippedTotal,
		QueueWaitMilliseconds,
		ProcessingMilliseconds,
		BatchEvents,
		QueueDepth,
		QueueOutcomesTotal,
	)
}

func RecordJobStarted() {
	JobsStartedTotal.Inc()
}

func RecordJobFailed(kind string) {
	JobsFailedTotal.WithLabelValues(kind).Inc()
}

func RecordJobSkipped() {
	JobsSkippedTotal.Inc()
}

// RecordQueueWait observes claim minus enqueue time. Negative waits from
// clock skew are clamped to zero.
func RecordQueueWait(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	QueueWaitMilliseconds.Observe(float64(wait.Milliseconds()))
}

func RecordProcessing(d time.Duration) {
	ProcessingMilliseconds.Observe(float64(d.Milliseconds()))
}

func RecordBatchSize(events int) {
	BatchEvents.Observe(float64(events))
}

func UpdateQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

func RecordQueueOutcome(outcome string) {
	QueueOutcomesTotal.WithLabelValues(outcome).Inc()
}
