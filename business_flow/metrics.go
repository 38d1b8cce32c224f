package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch outcomes partitioned by result
	messagesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dispatched_total",
			Help: "Total number of messages handled by the dispatcher",
		},
		[]string{"result"},
	)

	// Command transitions partitioned by type and reached status
	extensionCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extension_commands_total",
			Help: "Total number of extension command transitions",
		},
		[]string{"type", "status"},
	)

	// Moderator-level pauses caused by the provider
	systemicPausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "systemic_pauses_total",
			Help: "Total number of moderator pauses caused by QR or network state",
		},
		[]string{"kind"},
	)

	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of messages failed because the quota was exhausted",
		},
	)

	// SweepDuration is observed by the scheduler for every recurring job
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of recurring pipeline jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

// Dispatch result labels
const (
	dispatchResultDispatched = "dispatched"
	dispatchResultSent       = "sent"
	dispatchResultFailed     = "failed"
	dispatchResultException  = "exception"
	dispatchResultQuota      = "quota_exhausted"
	dispatchResultPaused     = "paused"
	dispatchResultWaiting    = "waiting"
)
