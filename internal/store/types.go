package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/automata/pkg/schema"
)

// Execution is one run of a workflow definition.
type Execution struct {
	ID                  string                 `json:"id"`
	WfDefinitionID      string                 `json:"wfDefinitionId"`
	OrganizationID      string                 `json:"organizationId"`
	Status              schema.ExecutionStatus `json:"status"`
	TriggerType         schema.TriggerType     `json:"triggerType"`
	Variables           json.RawMessage        `json:"variables,omitempty"`
	VariablesStorageRef string                 `json:"variablesStorageRef,omitempty"`
	WaitingFor          *WaitingFor            `json:"waitingFor,omitempty"`
	CurrentStep         string                 `json:"currentStep,omitempty"`
	Output              json.RawMessage        `json:"output,omitempty"`
	Error               json.RawMessage        `json:"error,omitempty"`
	StartedAt           time.Time              `json:"startedAt"`
	CompletedAt         *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// WaitingFor describes what a waiting execution is parked on.
type WaitingFor struct {
	StepSlug    string         `json:"stepSlug"`
	Kind        string         `json:"kind"` // human_input, approval
	Prompt      string         `json:"prompt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// TriggerLog is an append-only record of a trigger attempt.
type TriggerLog struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organizationId"`
	WfDefinitionID string               `json:"wfDefinitionId"`
	WfExecutionID  string               `json:"wfExecutionId,omitempty"`
	TriggerType    schema.TriggerType   `json:"triggerType"`
	Status         schema.TriggerStatus `json:"status"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	ReceivedAt     time.Time            `json:"receivedAt"`
}

// ProcessingRecord is a ledger entry for one external record and one definition.
type ProcessingRecord struct {
	ID                 string                  `json:"id"`
	TableName          string                  `json:"tableName"`
	RecordID           string                  `json:"recordId"`
	WfDefinitionID     string                  `json:"wfDefinitionId"`
	WfExecutionID      string                  `json:"wfExecutionId,omitempty"`
	RecordCreationTime time.Time               `json:"recordCreationTime"`
	ProcessedAt        time.Time               `json:"processedAt"`
	Status             schema.ProcessingStatus `json:"status"`
}

// Record is a row of an external record source.
type Record struct {
	Table          string         `json:"table"`
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Fields         map[string]any `json:"fields"`
	CreationTime   time.Time      `json:"creationTime"`
}

// Schedule tracks the next cron firing of an active definition.
type Schedule struct {
	WfDefinitionID string     `json:"wfDefinitionId"`
	OrganizationID string     `json:"organizationId"`
	CronExpression string     `json:"cronExpression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	LastRunStatus  string     `json:"lastRunStatus,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	StepSlug    string          `json:"stepSlug,omitempty"`
	Type        string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	OrganizationID string                   `json:"organizationId,omitempty"`
	Name           string                   `json:"name,omitempty"`
	Status         *schema.DefinitionStatus `json:"status,omitempty"`
	Limit          int                      `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
// ClearWaitingFor and ClearStorageRef null the respective columns.
type ExecutionUpdate struct {
	Status              *schema.ExecutionStatus `json:"status,omitempty"`
	Variables           json.RawMessage         `json:"variables,omitempty"`
	VariablesStorageRef *string                 `json:"variablesStorageRef,omitempty"`
	WaitingFor          *WaitingFor             `json:"waitingFor,omitempty"`
	ClearWaitingFor     bool                    `json:"-"`
	CurrentStep         *string                 `json:"currentStep,omitempty"`
	Output              json.RawMessage         `json:"output,omitempty"`
	Error               json.RawMessage         `json:"error,omitempty"`
	CompletedAt         *time.Time              `json:"completedAt,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WfDefinitionID string                   `json:"wfDefinitionId,omitempty"`
	Statuses       []schema.ExecutionStatus `json:"statuses,omitempty"`
	Limit          int                      `json:"limit,omitempty"`
}

// TriggerLogFilter specifies criteria for listing trigger logs.
type TriggerLogFilter struct {
	WfDefinitionID string               `json:"wfDefinitionId,omitempty"`
	Status         schema.TriggerStatus `json:"status,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	Limit          int                  `json:"limit,omitempty"`
}

// RecordQuery selects rows of a record source by field equality, in creation order.
// Index names the declared index whose prefix Equals covers, in index field
// order; sources with native indexes can use it to pick one.
type RecordQuery struct {
	Table  string        `json:"table"`
	Index  string        `json:"index,omitempty"`
	Equals []FieldEquals `json:"equals,omitempty"`
	After  *RecordCursor `json:"after,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}

// FieldEquals is one equality predicate on a record field.
type FieldEquals struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// RecordCursor resumes a record scan after the given row.
type RecordCursor struct {
	CreationTime time.Time `json:"creationTime"`
	ID           string    `json:"id"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastRunStatus string     `json:"lastRunStatus,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
