// Package metrics holds the Prometheus collectors exported by crochetsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImageUploadsTotal counts upload attempts of queued images by result
	// (success, retry, failed, stale).
	ImageUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crochet_image_uploads_total",
			Help: "Image upload attempts by result",
		},
		[]string{"result"},
	)

	// ImageUploadBytes observes the size of uploaded image payloads.
	ImageUploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crochet_image_upload_bytes",
			Help:    "Size of uploaded image payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
		},
	)

	// ImageQueueDepth is the number of queue entries per status.
	ImageQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crochet_image_queue_entries",
			Help: "Image queue entries by status",
		},
		[]string{"status"},
	)

	// StorePushesTotal counts outbox pushes to the hosted backend.
	StorePushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crochet_store_pushes_total",
			Help: "Outbox pushes by collection and result",
		},
		[]string{"collection", "result"},
	)

	// StoreMergesTotal counts remote rows seen by a store, by outcome
	// (applied, ignored, invalid, deleted).
	StoreMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crochet_store_merges_total",
			Help: "Remote rows merged into the local store by collection and outcome",
		},
		[]string{"collection", "outcome"},
	)

	// StoreOutboxDepth is the number of rows waiting to be pushed.
	StoreOutboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crochet_store_outbox_rows",
			Help: "Rows waiting to be pushed by collection",
		},
		[]string{"collection"},
	)

	// RefSyncTotal counts cross-collection reference updates by outcome.
	RefSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crochet_refsync_updates_total",
			Help: "Cross-collection reference updates by outcome",
		},
		[]string{"outcome"},
	)

	// RealtimeReconnectsTotal counts reconnects of the realtime change feed.
	RealtimeReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crochet_realtime_reconnects_total",
			Help: "Realtime change feed reconnects",
		},
	)

	// APIRequestsTotal counts requests to the local HTTP API by method and
	// status code.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crochet_api_requests_total",
			Help: "Local API requests by method and status code",
		},
		[]string{"method", "code"},
	)
)
