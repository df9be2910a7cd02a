package ip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Labels.
	labelReason = "reason"
)

var (
	metricPacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_ip_packets_received_total",
			Help: "IPv4 packets received from interfaces",
		},
	)
	metricPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_ip_packets_dropped_total",
			Help: "IPv4 packets dropped during receive processing",
		},
		[]string{labelReason},
	)
	metricDatagramsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_ip_datagrams_sent_total",
			Help: "IPv4 datagrams passed to interface drivers",
		},
	)
	metricFragmentsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_ip_fragments_sent_total",
			Help: "IPv4 fragments emitted for oversized datagrams",
		},
	)
	metricReassDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_ip_reassembly_dropped_total",
			Help: "Fragments dropped by the reassembly pool",
		},
		[]string{labelReason},
	)
	metricPmtuLowered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_ip_pmtu_lowered_total",
			Help: "Path MTU estimate reductions",
		},
	)
)
