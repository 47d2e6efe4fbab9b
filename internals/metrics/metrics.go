package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms and sessions
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfu_active_rooms_total",
		Help: "Number of active rooms",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfu_active_sessions_total",
		Help: "Number of active sessions",
	})

	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfu_sessions_reaped_total",
		Help: "Total sessions reaped for transport idleness",
	})

	// Forwarding
	BytesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfu_bytes_total",
		Help: "Total bytes through the meter by direction",
	}, []string{"direction"})

	PacketsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfu_packets_forwarded_total",
		Help: "Total packets fanned out to subscribers",
	})

	ForwardDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfu_forward_drops_total",
		Help: "Packets not forwarded to a subscriber, by cause",
	}, []string{"cause"})

	SubscriberLayerSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfu_layer_switches_total",
		Help: "Total simulcast layer changes across subscribers",
	})

	// Receipts
	ReceiptsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfu_receipts_emitted_total",
		Help: "Total distribution receipts emitted",
	})

	ReceiptSignRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfu_receipt_sign_retries_total",
		Help: "Total receipt emission retries after signing or append failures",
	})

	ReceiptChainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfu_receipt_chain_height",
		Help: "Highest emitted receipt sequence per room",
	}, []string{"room"})

	ReceiptPendingWindows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfu_receipt_pending_windows",
		Help: "Snapshots held in memory awaiting signature per room",
	}, []string{"room"})

	// Queue & moderation
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfu_queue_depth",
		Help: "Track candidates per room by state",
	}, []string{"room", "state"})

	ModerationDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfu_moderation_decisions_total",
		Help: "Total moderation decisions by outcome",
	}, []string{"decision"})

	// Diagnostics
	DiagnosticsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfu_diagnostics_total",
		Help: "Total diagnostics raised by kind",
	}, []string{"kind"})
)

// RecordBytes feeds the direction-labelled byte counter.
func RecordBytes(direction string, n uint64) {
	BytesForwardedTotal.WithLabelValues(direction).Add(float64(n))
}

func RecordDiagnostic(kind string) {
	DiagnosticsTotal.WithLabelValues(kind).Inc()
}
