package store

import (
	"context"
	"time"

	"github.com/rendis/automata/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ReplaceSteps(ctx context.Context, definitionID string, steps []schema.StepDefinition) error
	GetActiveDefinition(ctx context.Context, organizationID, name string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	PublishDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ArchiveDefinition(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	CreateTriggeredExecution(ctx context.Context, exec *Execution, log *TriggerLog) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	HasRunningExecution(ctx context.Context, definitionID string) (bool, error)

	// Trigger log (append-only)
	AppendTriggerLog(ctx context.Context, log *TriggerLog) error
	FindAcceptedTrigger(ctx context.Context, definitionID, idempotencyKey string) (*TriggerLog, error)
	LastAcceptedTrigger(ctx context.Context, definitionID string, triggerTypes ...schema.TriggerType) (*TriggerLog, error)
	ListTriggerLogs(ctx context.Context, filter TriggerLogFilter) ([]*TriggerLog, error)

	// Processing ledger
	GetProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) (*ProcessingRecord, error)
	ClaimProcessingRecord(ctx context.Context, rec *ProcessingRecord, cutoff time.Time) (bool, error)
	CompleteProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) error

	// Record sources
	UpsertRecord(ctx context.Context, rec *Record) error
	QueryRecords(ctx context.Context, q RecordQuery) ([]*Record, error)

	// Schedules
	UpsertSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, definitionID string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, definitionID string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, definitionID string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// BlobStore holds payloads too large to keep inline on an execution.
type BlobStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	GetURL(ctx context.Context, ref string) (string, error)
	Delete(ctx context.Context, ref string) error
}
