package schema

// Event type constants for the execution event log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopBatch          = "loop_batch"
	EventLoopCompleted      = "loop_completed"
	EventVariablesOffloaded = "variables_offloaded"
	EventOutputSchemaDrift  = "output_schema_drift"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// InFlight reports whether the execution counts against the per-definition concurrency guard.
func (s ExecutionStatus) InFlight() bool {
	return s == ExecutionPending || s == ExecutionRunning
}

// TriggerStatus is the admission outcome recorded for every trigger attempt.
type TriggerStatus string

const (
	TriggerAccepted    TriggerStatus = "accepted"
	TriggerRejected    TriggerStatus = "rejected"
	TriggerDuplicate   TriggerStatus = "duplicate"
	TriggerRateLimited TriggerStatus = "rate_limited"
)

// ProcessingStatus is the state of a processing ledger entry.
type ProcessingStatus string

const (
	ProcessingInProgress ProcessingStatus = "in_progress"
	ProcessingCompleted  ProcessingStatus = "completed"
)
