// Package trigger admits or refuses trigger attempts for workflow definitions
// and records every attempt in the trigger log.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// Store is the persistence surface of the guard. The lookups span every
// version of the workflow the given definition belongs to.
type Store interface {
	HasRunningExecution(ctx context.Context, definitionID string) (bool, error)
	CreateTriggeredExecution(ctx context.Context, exec *store.Execution, log *store.TriggerLog) error
	AppendTriggerLog(ctx context.Context, log *store.TriggerLog) error
	FindAcceptedTrigger(ctx context.Context, definitionID, idempotencyKey string) (*store.TriggerLog, error)
	LastAcceptedTrigger(ctx context.Context, definitionID string, triggerTypes ...schema.TriggerType) (*store.TriggerLog, error)
}

// Request is one trigger attempt.
type Request struct {
	Definition     *schema.WorkflowDefinition
	TriggerType    schema.TriggerType
	IdempotencyKey string
	Input          map[string]any
}

// Admission is the outcome of a trigger attempt. ExecutionID is set for
// accepted attempts and, for duplicates, names the execution the key
// already started.
type Admission struct {
	Status      schema.TriggerStatus `json:"status"`
	ExecutionID string               `json:"executionId,omitempty"`
	Code        string               `json:"code,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	TriggerLog  *store.TriggerLog    `json:"-"`
}

// Accepted reports whether the attempt created an execution.
func (a *Admission) Accepted() bool { return a.Status == schema.TriggerAccepted }

// Guard serializes admission per workflow. The check and the write are not
// one atomic statement; the per-workflow lock makes them safe within one
// process sharing the store.
type Guard struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates a Guard. logger may be nil.
func NewGuard(s Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Guard{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the lock shared by every version of def's workflow.
func (g *Guard) lockFor(def *schema.WorkflowDefinition) *sync.Mutex {
	key := def.RootVersionID
	if key == "" {
		key = def.ID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = &sync.Mutex{}
		g.locks[key] = l
	}
	return l
}

// Admit decides a trigger attempt. Checks run in order: inactive definition
// (rejected), duplicate idempotency key (duplicate), in-flight execution
// (rejected), minimum interval for schedule and webhook triggers
// (rate_limited). Otherwise a pending execution is created and the attempt is
// accepted. Every attempt is appended to the trigger log.
func (g *Guard) Admit(ctx context.Context, req Request) (*Admission, error) {
	def := req.Definition
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger requires a definition")
	}
	if !req.TriggerType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", req.TriggerType)
	}

	l := g.lockFor(def)
	l.Lock()
	defer l.Unlock()

	ctx = logging.WithDefinitionID(logging.WithOrganizationID(ctx, def.OrganizationID), def.ID)
	now := g.now()

	adm, err := g.decide(ctx, req, now)
	if err != nil {
		return nil, err
	}

	entry := &store.TriggerLog{
		ID:             uuid.NewString(),
		OrganizationID: def.OrganizationID,
		WfDefinitionID: def.ID,
		TriggerType:    req.TriggerType,
		Status:         adm.Status,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         adm.Reason,
		ReceivedAt:     now,
	}

	if adm.Status == schema.TriggerAccepted {
		exec, err := g.newExecution(def, req, now)
		if err != nil {
			return nil, err
		}
		if err := g.store.CreateTriggeredExecution(ctx, exec, entry); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err).WithCause(err)
		}
		adm.ExecutionID = exec.ID
	} else if err := g.store.AppendTriggerLog(ctx, entry); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append trigger log: %s", err).WithCause(err)
	}
	adm.TriggerLog = entry

	logging.LogWith(ctx, g.logger).Info("trigger admitted",
		"trigger_type", req.TriggerType, "status", adm.Status, "execution_id", adm.ExecutionID, "reason", adm.Reason)
	return adm, nil
}

func (g *Guard) decide(ctx context.Context, req Request, now time.Time) (*Admission, error) {
	def := req.Definition
	if def.Status != schema.DefinitionActive {
		return &Admission{
			Status: schema.TriggerRejected,
			Code:   schema.ErrCodeValidation,
			Reason: fmt.Sprintf("definition %s is %s", def.ID, def.Status),
		}, nil
	}

	if req.IdempotencyKey != "" {
		prior, err := g.store.FindAcceptedTrigger(ctx, def.ID, req.IdempotencyKey)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "lookup idempotency key: %s", err).WithCause(err)
		}
		if prior != nil {
			return &Admission{
				Status:      schema.TriggerDuplicate,
				ExecutionID: prior.WfExecutionID,
				Code:        schema.ErrCodeDuplicateTrigger,
				Reason:      fmt.Sprintf("idempotency key %q already accepted", req.IdempotencyKey),
			}, nil
		}
	}

	running, err := g.store.HasRunningExecution(ctx, def.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "check running executions: %s", err).WithCause(err)
	}
	if running {
		return &Admission{
			Status: schema.TriggerRejected,
			Code:   schema.ErrCodeConcurrency,
			Reason: "an execution of this workflow is already in flight",
		}, nil
	}

	if interval := minInterval(def, req.TriggerType); interval > 0 {
		last, err := g.store.LastAcceptedTrigger(ctx, def.ID, req.TriggerType)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "lookup last trigger: %s", err).WithCause(err)
		}
		if last != nil && now.Sub(last.ReceivedAt) < interval {
			return &Admission{
				Status: schema.TriggerRateLimited,
				Code:   schema.ErrCodeRateLimited,
				Reason: fmt.Sprintf("last %s trigger was %s ago, minimum interval is %s",
					req.TriggerType, now.Sub(last.ReceivedAt).Truncate(time.Second), interval),
			}, nil
		}
	}

	return &Admission{Status: schema.TriggerAccepted}, nil
}

// minInterval applies to schedule and webhook triggers only.
func minInterval(def *schema.WorkflowDefinition, tt schema.TriggerType) time.Duration {
	if tt != schema.TriggerSchedule && tt != schema.TriggerWebhook {
		return 0
	}
	cfg, ok := def.TriggerConfig()
	if !ok || cfg.MinIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.MinIntervalSeconds) * time.Second
}

func (g *Guard) newExecution(def *schema.WorkflowDefinition, req Request, now time.Time) (*store.Execution, error) {
	id := uuid.NewString()
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	ns := expressions.NewNamespace(map[string]any{
		expressions.KeyInput:     input,
		expressions.KeyExecution: map[string]any{
			"id":             id,
			"wfDefinitionId": def.ID,
			"organizationId": def.OrganizationID,
			"triggerType":    string(req.TriggerType),
			"startedAt":      now.Format(time.RFC3339),
		},
	})
	vars, err := json.Marshal(ns)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger input is not serializable: %s", err).WithCause(err)
	}

	exec := &store.Execution{
		ID:             id,
		WfDefinitionID: def.ID,
		OrganizationID: def.OrganizationID,
		Status:         schema.ExecutionPending,
		TriggerType:    req.TriggerType,
		Variables:      vars,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if entry, err := def.EntryStep(); err == nil {
		exec.CurrentStep = entry.StepSlug
	}
	return exec, nil
}
