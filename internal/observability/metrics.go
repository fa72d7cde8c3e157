package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "files_ingested_total",
		Help:      "Files passed to ingest by outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaflow",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stage handlers",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "stage_outcomes_total",
		Help:      "Pipeline stage handler outcomes",
	}, []string{"stage", "outcome"})

	FinalizeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "finalize_outcomes_total",
		Help:      "Finalize attempts by outcome",
	}, []string{"outcome"})

	FacesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "faces_observed_total",
		Help:      "Faces seen during detection, split by index match",
	}, []string{"result"})

	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaflow",
		Name:      "identity_index_size",
		Help:      "Number of embeddings in the identity index",
	})

	IndexBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "identity_index_builds_total",
		Help:      "Identity index loads by source",
	}, []string{"source"})

	ClusteringRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "clustering_runs_total",
		Help:      "Clustering passes by algorithm and outcome",
	}, []string{"method", "outcome"})

	ClusteringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mediaflow",
		Name:      "clustering_duration_seconds",
		Help:      "Duration of full clustering passes",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaflow",
		Name:      "inference_duration_seconds",
		Help:      "Duration of model and inference service calls by step",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"step"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediaflow",
		Name:      "queue_depth",
		Help:      "Number of pending tasks per queue",
	}, []string{"queue"})

	SweepRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediaflow",
		Name:      "sweep_requeued_total",
		Help:      "Records re-driven by the stale sweep",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediaflow",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
