package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Labels.
	labelReason = "reason"
)

var (
	metricSegmentsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_segments_received_total",
			Help: "TCP segments received",
		},
	)
	metricSegmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_segments_dropped_total",
			Help: "TCP segments dropped during input processing",
		},
		[]string{labelReason},
	)
	metricSegmentsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_segments_sent_total",
			Help: "TCP segments sent",
		},
	)
	metricRetransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_retransmits_total",
			Help: "TCP segments retransmitted",
		},
	)
	metricFastRetransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_fast_retransmits_total",
			Help: "TCP fast retransmit episodes",
		},
	)
	metricConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_connections_accepted_total",
			Help: "Passive opens completed",
		},
	)
	metricConnectionsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_connections_aborted_total",
			Help: "Connections aborted",
		},
	)
	metricRstsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_tcp_rsts_sent_total",
			Help: "RST segments sent",
		},
	)
)
