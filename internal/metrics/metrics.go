package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsByState tracks the number of simulated sessions per lifecycle state.
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simulator_sessions_by_state",
		Help: "Number of simulated charge point sessions per state.",
	}, []string{"state"})

	// ActiveTransactions tracks the number of running charging transactions.
	ActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_active_transactions",
		Help: "Number of charging transactions currently in progress.",
	})

	// FleetPowerWatts tracks the aggregate instantaneous charging power.
	FleetPowerWatts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_fleet_power_watts",
		Help: "Aggregate instantaneous charging power across all sessions.",
	})

	// FleetEnergyWattHours tracks the aggregate delivered energy.
	FleetEnergyWattHours = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_fleet_energy_watt_hours",
		Help: "Aggregate energy delivered across all sessions.",
	})

	// FramesSent counts outbound OCPP frames, labeled by action.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_sent_total",
		Help: "Total number of OCPP frames sent to the CSMS.",
	}, []string{"action"})

	// FramesReceived counts inbound OCPP frames, labeled by action.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_received_total",
		Help: "Total number of OCPP frames received from the CSMS.",
	}, []string{"action"})

	// CallErrors counts CALLERROR frames, labeled by direction and error code.
	CallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_call_errors_total",
		Help: "Total number of CALLERROR frames, by direction and error code.",
	}, []string{"direction", "code"})

	// CallDuration observes round-trip time of outbound calls, labeled by action.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_call_duration_seconds",
		Help:    "Histogram of outbound call round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"action"})

	// CallTimeouts counts outbound calls that expired without a response.
	CallTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_call_timeouts_total",
		Help: "Total number of outbound calls that timed out.",
	}, []string{"action"})

	// QueueDroppedFrames counts frames dropped by the send queue backpressure policy.
	QueueDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_queue_dropped_frames_total",
		Help: "Total number of outbound frames dropped due to a full send queue.",
	})

	// Reconnects counts WebSocket reconnect attempts that succeeded.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_reconnects_total",
		Help: "Total number of successful WebSocket reconnects.",
	})

	// EventsPublished counts events published to the message broker, labeled by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_events_published_total",
		Help: "Total number of events published to the message broker.",
	}, []string{"event_type"})

	// RecorderDroppedEvents counts recorder events dropped due to a full pipeline.
	RecorderDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_recorder_dropped_events_total",
		Help: "Total number of recorder events dropped due to backpressure.",
	})

	// BatchOperationDuration observes fleet batch operation durations, labeled by operation.
	BatchOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_batch_operation_duration_seconds",
		Help:    "Histogram of fleet batch operation durations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"operation"})
)
