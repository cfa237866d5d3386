// ABOUTME: Prometheus instrumentation for event hubs
// ABOUTME: Labelled by hub namespace so the conversation and list hubs report separately

package eventhub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_eventhub_broadcasts_total",
		Help: "Events broadcast by this instance",
	}, []string{"hub"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_eventhub_publish_failures_total",
		Help: "Envelopes that could not be handed to the transport, by reason (queue_full, transport, encode)",
	}, []string{"hub", "reason"})

	inboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_eventhub_inbound_total",
		Help: "Envelopes received from the transport, by result (delivered, self, duplicate, malformed)",
	}, []string{"hub", "result"})

	publishQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coven_eventhub_publish_queue_depth",
		Help: "Envelopes waiting to be published",
	}, []string{"hub"})

	propagationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coven_eventhub_propagation_seconds",
		Help:    "Delay between broadcast on the origin instance and local delivery here",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"hub"})
)
