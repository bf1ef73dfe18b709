// Package metrics defines the Prometheus instrumentation for the daemon and
// serves the scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionsStarted counts sessions created through the enable path.
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_sessions_started_total",
		Help: "Total number of deep focus sessions started",
	})

	// SessionsEnded counts sessions closed through the disable path.
	SessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_sessions_ended_total",
		Help: "Total number of deep focus sessions ended",
	})

	// SessionsAdopted counts snapshot sessions taken over by a fresh context.
	SessionsAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_sessions_adopted_total",
		Help: "Total number of sessions adopted from a persisted snapshot",
	})

	// OrphansCleaned counts remote sessions closed by orphan recovery.
	OrphansCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_orphan_sessions_cleaned_total",
		Help: "Total number of orphaned remote sessions closed during initialization",
	})

	// FocusActive is 1 while deep focus is on.
	FocusActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "focusd_focus_active",
		Help: "Whether deep focus is currently active (1) or not (0)",
	})

	// MessagesDropped counts inbound bus messages discarded before dispatch.
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusd_bus_messages_dropped_total",
		Help: "Total number of bus messages dropped, by reason",
	}, []string{"reason"})

	// MessagesDeduplicated counts messages already seen on another channel.
	MessagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_bus_messages_deduplicated_total",
		Help: "Total number of bus messages suppressed by the processed-message set",
	})

	// RemoteRetries counts retried remote session log writes.
	RemoteRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusd_remote_retries_total",
		Help: "Total number of remote write retries, by operation",
	}, []string{"op"})

	// RemoteFailures counts remote operations that exhausted their retries.
	RemoteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusd_remote_failures_total",
		Help: "Total number of remote operations failed after all retries, by operation",
	}, []string{"op"})

	// OverridesRecorded counts admitted override records.
	OverridesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_overrides_recorded_total",
		Help: "Total number of site overrides admitted and recorded",
	})

	// OverridesRefused counts overrides rejected by policy.
	OverridesRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_overrides_refused_total",
		Help: "Total number of site overrides refused by the admission policy",
	})

	// PauseTransitions counts pause and resume transitions.
	PauseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusd_pause_transitions_total",
		Help: "Total number of pause and resume transitions, by direction",
	}, []string{"direction"})

	// MirrorWriteFailures counts snapshot writes that could not be persisted.
	MirrorWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_mirror_write_failures_total",
		Help: "Total number of snapshot mirror writes that failed",
	})

	// MirrorCorruptSnapshots counts snapshots discarded as corrupt on load.
	MirrorCorruptSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusd_mirror_corrupt_snapshots_total",
		Help: "Total number of persisted snapshots discarded as corrupt",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionsAdopted,
		OrphansCleaned,
		FocusActive,
		MessagesDropped,
		MessagesDeduplicated,
		RemoteRetries,
		RemoteFailures,
		OverridesRecorded,
		OverridesRefused,
		PauseTransitions,
		MirrorWriteFailures,
		MirrorCorruptSnapshots,
	)
}
