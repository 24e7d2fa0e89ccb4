// Package service is the surface the host exposes to collaborators: trigger
// endpoints, status and stats queries, resume signals and the definition
// editing flow.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/automata/internal/engine"
	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/scheduler"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/internal/trigger"
	"github.com/rendis/automata/internal/validation"
	"github.com/rendis/automata/pkg/schema"
)

// Dispatcher drives executions in the background. Satisfied by *engine.WorkerPool.
type Dispatcher interface {
	Submit(ctx context.Context, executionID string) (bool, error)
}

// Deps holds the collaborators of a Service. Dispatcher is optional: without
// one, accepted executions stay pending until Drive is called.
type Deps struct {
	Store       store.Store
	Blobs       store.BlobStore
	Interpreter *engine.Interpreter
	Guard       *trigger.Guard
	Validator   *validation.Validator
	Dispatcher  Dispatcher
	Logger      *slog.Logger
	// RunContext bounds background execution driving. Defaults to Background.
	RunContext context.Context
}

// Service implements the exposed operations over the engine components.
type Service struct {
	store       store.Store
	blobs       store.BlobStore
	interpreter *engine.Interpreter
	guard       *trigger.Guard
	validator   *validation.Validator
	dispatcher  Dispatcher
	logger      *slog.Logger
	runCtx      context.Context
	now         func() time.Time
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Interpreter == nil || deps.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "service requires a store, an interpreter and a validator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	guard := deps.Guard
	if guard == nil {
		guard = trigger.NewGuard(deps.Store, logger)
	}
	runCtx := deps.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Service{
		store:       deps.Store,
		blobs:       deps.Blobs,
		interpreter: deps.Interpreter,
		guard:       guard,
		validator:   deps.Validator,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
		runCtx:      runCtx,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateExecutionRequest is a trigger attempt from a collaborator.
type CreateExecutionRequest struct {
	WfDefinitionID string             `json:"wfDefinitionId"`
	TriggerType    schema.TriggerType `json:"triggerType"`
	IdempotencyKey string             `json:"idempotencyKey,omitempty"`
	Input          map[string]any     `json:"input,omitempty"`
}

// CreateExecution admits a trigger attempt and, when accepted, hands the new
// execution to the dispatcher. Refusals are reported through the returned
// status, not as errors.
func (s *Service) CreateExecution(ctx context.Context, req CreateExecutionRequest) (*trigger.Admission, error) {
	def, err := s.store.GetDefinition(ctx, req.WfDefinitionID)
	if err != nil {
		return nil, err
	}
	adm, err := s.guard.Admit(ctx, trigger.Request{
		Definition:     def,
		TriggerType:    req.TriggerType,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
	})
	if err != nil {
		return nil, err
	}
	if adm.Accepted() {
		s.dispatch(adm.ExecutionID)
	}
	return adm, nil
}

// FireSchedule submits a schedule trigger. It satisfies scheduler.Firer.
func (s *Service) FireSchedule(ctx context.Context, definitionID, idempotencyKey string) (*trigger.Admission, error) {
	return s.CreateExecution(ctx, CreateExecutionRequest{
		WfDefinitionID: definitionID,
		TriggerType:    schema.TriggerSchedule,
		IdempotencyKey: idempotencyKey,
	})
}

var _ scheduler.Firer = (*Service)(nil)

// dispatch submits without failing the caller: the execution is already
// persisted as pending and RecoverInFlight picks it up after a restart.
func (s *Service) dispatch(executionID string) {
	if s.dispatcher == nil {
		return
	}
	if _, err := s.dispatcher.Submit(s.runCtx, executionID); err != nil {
		s.logger.Warn("could not dispatch execution", "execution_id", executionID, "error", err)
	}
}

// Drive runs an execution until it leaves running, re-entering after every
// loop yield.
func (s *Service) Drive(ctx context.Context, executionID string) (*engine.RunResult, error) {
	return engine.Drive(ctx, s.interpreter, executionID)
}

// RecoverInFlight re-dispatches pending and running executions left behind by
// a previous process. It returns how many were submitted.
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning},
	})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list in-flight executions: %s", err).WithCause(err)
	}
	for _, e := range execs {
		s.dispatch(e.ID)
	}
	if len(execs) > 0 {
		s.logger.Info("recovered in-flight executions", "count", len(execs))
	}
	return len(execs), nil
}

// ExecutionStatus is the collaborator view of an execution. Variables and
// output are read back from the blob store when they were offloaded.
type ExecutionStatus struct {
	ID             string                 `json:"id"`
	WfDefinitionID string                 `json:"wfDefinitionId"`
	Status         schema.ExecutionStatus `json:"status"`
	TriggerType    schema.TriggerType     `json:"triggerType"`
	CurrentStep    string                 `json:"currentStep,omitempty"`
	WaitingFor     *store.WaitingFor      `json:"waitingFor,omitempty"`
	Variables      map[string]any         `json:"variables"`
	Output         json.RawMessage        `json:"output,omitempty"`
	Error          json.RawMessage        `json:"error,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	Steps          []*store.StepTrace     `json:"steps"`
}

// GetExecutionStatus loads an execution with its variables deserialized.
func (s *Service) GetExecutionStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ns, err := engine.LoadVariables(ctx, s.blobs, exec)
	if err != nil {
		return nil, err
	}
	output, err := engine.ExpandOutput(ctx, s.blobs, exec.Output)
	if err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load events: %s", err).WithCause(err)
	}
	traces, err := store.ReplayEvents(events)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{
		ID:             exec.ID,
		WfDefinitionID: exec.WfDefinitionID,
		Status:         exec.Status,
		TriggerType:    exec.TriggerType,
		CurrentStep:    exec.CurrentStep,
		WaitingFor:     exec.WaitingFor,
		Variables:      ns,
		Output:         output,
		Error:          exec.Error,
		StartedAt:      exec.StartedAt,
		CompletedAt:    exec.CompletedAt,
		Steps:          traces,
	}, nil
}

// ExecutionStats aggregates the executions of one definition.
type ExecutionStats struct {
	Total                   int              `json:"total"`
	Completed               int              `json:"completed"`
	Failed                  int              `json:"failed"`
	Suspended               int              `json:"suspended"`
	Running                 int              `json:"running"`
	SuccessRate             float64          `json:"successRate"`
	AvgExecutionTimeSeconds float64          `json:"avgExecutionTimeSeconds"`
	LastExecution           *store.Execution `json:"lastExecution,omitempty"`
}

// ListExecutionStats computes counts per status for a definition. Running
// includes pending executions. SuccessRate is completed over total, in
// percent. The average duration covers finished executions only.
func (s *Service) ListExecutionStats(ctx context.Context, wfDefinitionID string) (*ExecutionStats, error) {
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{WfDefinitionID: wfDefinitionID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list executions: %s", err).WithCause(err)
	}
	stats := &ExecutionStats{Total: len(execs)}
	var (
		finished int
		elapsed  time.Duration
	)
	for _, e := range execs {
		switch e.Status {
		case schema.ExecutionCompleted:
			stats.Completed++
		case schema.ExecutionFailed:
			stats.Failed++
		case schema.ExecutionWaiting:
			stats.Suspended++
		case schema.ExecutionRunning, schema.ExecutionPending:
			stats.Running++
		}
		if e.CompletedAt != nil {
			finished++
			elapsed += e.CompletedAt.Sub(e.StartedAt)
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
		// Newest first.
		stats.LastExecution = execs[0]
	}
	if finished > 0 {
		stats.AvgExecutionTimeSeconds = elapsed.Seconds() / float64(finished)
	}
	return stats, nil
}

// ResumeExecution ends the wait of a waiting execution and continues it. A
// resumed execution that reaches a loop yield is handed to the dispatcher,
// or driven inline when there is none.
func (s *Service) ResumeExecution(ctx context.Context, executionID string, payload engine.ResumePayload) (*engine.RunResult, error) {
	res, err := s.interpreter.Resume(ctx, executionID, payload)
	if err != nil {
		return nil, err
	}
	if !res.Yielded || res.Status != schema.ExecutionRunning {
		return res, nil
	}
	if s.dispatcher != nil {
		s.dispatch(executionID)
		return res, nil
	}
	return s.Drive(ctx, executionID)
}
