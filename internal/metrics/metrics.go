package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueuedTotal counts accepted submissions, split by whether the row was new
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_tasks_enqueued_total",
			Help: "Total number of task submissions acknowledged by the broker.",
		},
		[]string{"result"}, // inserted, duplicate
	)

	// TasksDispatchedTotal counts claimed tasks handed to a worker
	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_tasks_dispatched_total",
			Help: "Total number of dispatch attempts by delivery result.",
		},
		[]string{"result"}, // delivered, rejected
	)

	// ClaimConflictsTotal counts claims lost to a concurrent tick or instance
	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_claim_conflicts_total",
			Help: "Total number of conditional claims that found the task already taken.",
		},
	)

	// TasksRequeuedTotal counts failed attempts returned to PENDING
	TasksRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_tasks_requeued_total",
			Help: "Total number of failed attempts requeued for retry.",
		},
	)

	// TasksFinishedTotal counts terminal transitions
	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state.",
		},
		[]string{"status"}, // done, failed, held
	)

	// StaleResetsTotal counts DISPATCHED tasks returned to PENDING by the reaper
	StaleResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_stale_resets_total",
			Help: "Total number of stale dispatches reset to pending.",
		},
	)

	// TasksPurgedTotal counts rows removed by the retention reaper
	TasksPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_tasks_purged_total",
			Help: "Total number of finished tasks purged after retention.",
		},
	)

	// FreeWorkers reports the bands seen in the last dispatch cycle
	FreeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_free_workers",
			Help: "Number of workers that reported free capacity in the last dispatch cycle.",
		},
	)

	// PendingResults reports unresolved futures held by a producer
	PendingResults = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "producer_pending_results",
			Help: "Number of submitted tasks awaiting a completion event.",
		},
	)

	// WorkerBusySlots reports tasks accepted and not yet reported
	WorkerBusySlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_busy_slots",
			Help: "Number of worker slots holding an accepted task.",
		},
	)

	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Total number of tasks executed by this worker process.",
		},
		[]string{"outcome"}, // success, failure
	)
)
