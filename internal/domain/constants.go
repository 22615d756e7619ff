package domain

// Task status values derived from the persisted flags
const (
	TaskStatusPending    = "PENDING"
	TaskStatusDispatched = "DISPATCHED"
	TaskStatusDone       = "DONE"
	TaskStatusFailed     = "FAILED"
)

// Message subjects
const (
	SubjectAddTask      = "tasks.add"
	SubjectTaskComplete = "tasks.complete"
	SubjectTaskResult   = "tasks.result"
	SubjectFreeWorkers  = "workers.free"
	SubjectWorkerReady  = "workers.ready"

	SubjectAdminList    = "tasks.admin.list"
	SubjectAdminRestart = "tasks.admin.restart"
	SubjectAdminDelete  = "tasks.admin.delete"
)

// BrokerGroup is the queue group shared by broker instances so that each
// request is handled by exactly one of them.
const BrokerGroup = "broker"

// WorkerSubject returns the subject a worker receives dispatched tasks on.
func WorkerSubject(workerID string) string {
	return "workers." + workerID + ".tasks"
}
