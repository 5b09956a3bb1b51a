package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job queue metrics
var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind", "priority"},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_jobs_processed_total",
			Help: "Total number of jobs processed by outcome",
		},
		[]string{"kind", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_pipeline_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_pipeline_jobs_in_flight",
			Help: "Number of jobs currently being handled by this worker",
		},
	)

	JobsRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_jobs_requeued_total",
			Help: "Total number of jobs moved back to queued",
		},
		[]string{"reason"}, // "retry", "stale"
	)
)

// Derivation metrics
var (
	ThumbnailsGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_pipeline_thumbnails_generated_total",
			Help: "Total number of thumbnails generated",
		},
		[]string{"size", "status"},
	)

	ThumbnailsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_thumbnails_skipped_total",
			Help: "Thumbnails skipped because they were up to date",
		},
	)

	FacesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_faces_detected_total",
			Help: "Total number of faces stored in the media index",
		},
	)
)

// Migration metrics
var (
	IndexVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_pipeline_index_version",
			Help: "Media index version marker observed by this worker",
		},
	)

	MigrationBackfilledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_pipeline_migration_backfilled_total",
			Help: "Metadata records written by the index backfill",
		},
	)
)
