package eth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Labels.
	labelOp     = "op"
	labelReason = "reason"
)

var (
	metricFramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_eth_frames_received_total",
			Help: "Ethernet frames received from drivers",
		},
	)
	metricFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_eth_frames_dropped_total",
			Help: "Ethernet frames dropped before dispatch",
		},
		[]string{labelReason},
	)
	metricArpPacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_eth_arp_packets_sent_total",
			Help: "ARP requests and replies sent",
		},
		[]string{labelOp},
	)
	metricArpEntriesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_eth_arp_entries_evicted_total",
			Help: "ARP cache entries recycled while still in use",
		},
	)
)
