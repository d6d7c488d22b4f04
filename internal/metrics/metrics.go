// Package metrics holds the Prometheus collectors for the market-data client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_stream_frames_total",
		Help: "Total inbound stream frames, partitioned by stream kind",
	}, []string{"kind"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_dropped_total",
		Help: "Total dropped frames and updates, partitioned by reason",
	}, []string{"why"}) // unparseable / unknown_topic / no_subscriber / gap / stale / bad_value

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_reconnects_total",
		Help: "Total reconnection attempts",
	})

	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_coalescer_flushes_total",
		Help: "Total coalescer flushes",
	})

	FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketfeed_coalescer_batch_size",
		Help:    "Number of updates dispatched per coalescer flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	RESTRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_rest_requests_total",
		Help: "Total REST requests to the market-data provider",
	}, []string{"endpoint", "outcome"}) // klines|depth, ok|error

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_subscriptions_active",
		Help: "Currently active subscriptions",
	})
)
