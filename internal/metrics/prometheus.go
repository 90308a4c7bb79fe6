package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgefleet"

var (
	// Buffer metrics
	BufferEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "enqueued_total",
		Help:      "Messages accepted by the durable buffer, by tier",
	}, []string{"device_id", "tier"})
	BufferDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "delivered_total",
		Help:      "Messages delivered upstream",
	}, []string{"device_id"})
	BufferDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "delivery_failures_total",
		Help:      "Failed delivery attempts",
	}, []string{"device_id"})
	BufferExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "exhausted_total",
		Help:      "Messages that reached the retry cap",
	}, []string{"device_id"})
	BufferDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "dropped_total",
		Help:      "Messages evicted from memory because persistence failed",
	}, []string{"device_id"})
	BufferPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "pending_messages",
		Help:      "Unsent persisted messages below the retry cap",
	}, []string{"device_id"})

	// Consensus metrics
	ConsensusTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "current_term",
		Help:      "Current term of each participant",
	}, []string{"cluster_id", "node_id"})
	ConsensusElections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "elections_total",
		Help:      "Elections started, by outcome",
	}, []string{"cluster_id", "node_id", "outcome"})
	ConsensusCommitIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "commit_index",
		Help:      "Number of committed log entries",
	}, []string{"cluster_id", "node_id"})
	ConsensusApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "applied_total",
		Help:      "Log entries applied",
	}, []string{"cluster_id", "node_id"})

	// Device metrics
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "anomalies_total",
		Help:      "Anomalies detected, by channel and severity",
	}, []string{"device_id", "channel", "severity"})
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "escalations_total",
		Help:      "Emergency commands proposed by a device, by result",
	}, []string{"device_id", "result"})
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "commands_executed_total",
		Help:      "Committed cluster commands executed by a device",
	}, []string{"device_id", "type"})

	// Fleet metrics
	EmergencyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "emergency_events_total",
		Help:      "Emergency coordination events created",
	}, []string{"cluster_id", "committed"})
	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "devices",
		Help:      "Registered devices",
	})
)
