package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/automata/internal/actions"
	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// Defaults applied by NewInterpreter.
const (
	DefaultActionTimeout      = 60 * time.Second
	DefaultMaxStepsPerAdvance = 1000
)

// Store is the persistence surface the interpreter needs.
type Store interface {
	EventAppender
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

// ActionRegistry resolves and validates actions. Satisfied by *actions.Registry.
type ActionRegistry interface {
	Get(name string) (actions.Action, error)
	ValidateParams(name string, params map[string]any) error
}

// Deps holds the collaborators of an Interpreter. Blobs and LLM are optional:
// without Blobs nothing is offloaded, without LLM llm steps fail.
type Deps struct {
	Store   Store
	Blobs   store.BlobStore
	Actions ActionRegistry
	Schemas *stepschema.Registry
	Engines *expressions.Engines
	LLM     LLMProvider
}

// Config tunes the interpreter. Zero values select the defaults.
type Config struct {
	InlineCeilingBytes int
	LLMTimeout         time.Duration
	ActionTimeout      time.Duration
	// MaxStepsPerAdvance fails an execution that visits more steps than this
	// within one Advance call without reaching a yield point.
	MaxStepsPerAdvance int
	// Breakers zero value selects DefaultBreakerConfig; a negative threshold
	// disables the breakers.
	Breakers BreakerConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

// RunResult reports where an Advance or Resume call left an execution.
type RunResult struct {
	ExecutionID string                 `json:"executionId"`
	Status      schema.ExecutionStatus `json:"status"`
	CurrentStep string                 `json:"currentStep,omitempty"`
	WaitingFor  *store.WaitingFor      `json:"waitingFor,omitempty"`
	// Yielded is set when a loop batch boundary returned control while the
	// execution is still running.
	Yielded bool            `json:"yielded,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ResumePayload is supplied by the external signal that ends a wait.
type ResumePayload struct {
	// Output becomes the paused step's output. When nil, Metadata is used.
	Output    map[string]any `json:"output,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Interpreter walks the step graph of executions. Interpretation of a single
// execution is serialized; different executions may advance concurrently.
type Interpreter struct {
	store    Store
	actions  ActionRegistry
	schemas  *stepschema.Registry
	engines  *expressions.Engines
	llm      LLMProvider
	fsm      *ExecutionFSM
	breakers *ActionBreakers
	offload  *offloader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	locks executionLocks
}

// executionRun is the in-memory state of one execution during a call.
type executionRun struct {
	exec   *store.Execution
	def    *schema.WorkflowDefinition
	ns     expressions.Namespace
	logger *slog.Logger
}

// stepResult is what a step handler produced.
type stepResult struct {
	output  any
	outcome string
	suspend *store.WaitingFor
	yield   bool
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(deps Deps, cfg Config) (*Interpreter, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "interpreter requires a store")
	}
	if deps.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "interpreter requires an action registry")
	}
	if deps.Engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		deps.Engines = engines
	}
	if deps.Schemas == nil {
		if reg, ok := deps.Actions.(stepschema.ActionSchemas); ok {
			deps.Schemas = stepschema.NewRegistry(reg)
		} else {
			deps.Schemas = stepschema.NewRegistry(nil)
		}
	}
	if cfg.InlineCeilingBytes <= 0 {
		cfg.InlineCeilingBytes = DefaultInlineCeiling
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.MaxStepsPerAdvance <= 0 {
		cfg.MaxStepsPerAdvance = DefaultMaxStepsPerAdvance
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	if cfg.Breakers == (BreakerConfig{}) {
		cfg.Breakers = DefaultBreakerConfig()
	}
	breakers := NewActionBreakers(cfg.Breakers)
	breakers.now = cfg.Now

	return &Interpreter{
		store:    deps.Store,
		actions:  deps.Actions,
		schemas:  deps.Schemas,
		engines:  deps.Engines,
		llm:      deps.LLM,
		fsm:      NewExecutionFSM(deps.Store),
		breakers: breakers,
		offload:  &offloader{blobs: deps.Blobs, ceiling: cfg.InlineCeilingBytes},
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// FSM exposes the execution state machine so callers can register hooks.
func (in *Interpreter) FSM() *ExecutionFSM { return in.fsm }

// Advance runs an execution from its current step until it completes, fails,
// parks in waiting or yields at a loop batch boundary. A pending execution is
// started at its entry step. Executions in any other state are returned as is.
func (in *Interpreter) Advance(ctx context.Context, executionID string) (*RunResult, error) {
	unlock := in.locks.lock(executionID)
	defer unlock()

	run, err := in.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, run.exec.OrganizationID, run.exec.WfDefinitionID, run.exec.ID)

	switch run.exec.Status {
	case schema.ExecutionPending:
		entry, err := run.def.EntryStep()
		if err != nil {
			return in.fail(ctx, run, nil, err)
		}
		if err := in.fsm.Transition(ctx, run.exec.ID, schema.ExecutionPending, schema.ExecutionRunning,
			map[string]any{"entryStep": entry.StepSlug, "triggerType": run.exec.TriggerType}); err != nil {
			return nil, err
		}
		running := schema.ExecutionRunning
		slug := entry.StepSlug
		if err := in.checkpoint(ctx, run, store.ExecutionUpdate{Status: &running, CurrentStep: &slug}); err != nil {
			return nil, err
		}
		run.logger.Info("execution started", "entry_step", slug)
	case schema.ExecutionRunning:
	default:
		return resultOf(run.exec, false), nil
	}

	return in.interpret(ctx, run)
}

// Resume ends the wait of a waiting execution and continues from the paused
// step's default edge. It returns once the execution leaves running or yields.
func (in *Interpreter) Resume(ctx context.Context, executionID string, payload ResumePayload) (*RunResult, error) {
	unlock := in.locks.lock(executionID)
	defer unlock()

	run, err := in.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, run.exec.OrganizationID, run.exec.WfDefinitionID, run.exec.ID)

	if run.exec.Status != schema.ExecutionWaiting || run.exec.WaitingFor == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not waiting", run.exec.ID, run.exec.Status).
			WithDetails(map[string]any{"executionId": run.exec.ID, "status": string(run.exec.Status)})
	}
	paused := run.def.StepBySlug(run.exec.WaitingFor.StepSlug)
	if paused == nil {
		return in.fail(ctx, run, nil, schema.NewErrorf(schema.ErrCodeExecution,
			"paused step %q is not part of definition %s", run.exec.WaitingFor.StepSlug, run.def.ID))
	}

	run.ns.Merge(payload.Variables)
	if len(payload.Metadata) > 0 {
		meta, _ := run.ns["metadata"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		for k, v := range payload.Metadata {
			meta[k] = expressions.DeepCopy(v)
		}
		run.ns["metadata"] = meta
	}
	output := payload.Output
	if output == nil {
		output = payload.Metadata
	}
	if output == nil {
		output = map[string]any{}
	}
	run.ns.SetStepOutput(paused.StepSlug, output)
	in.checkDrift(ctx, run, paused, output)

	if err := in.fsm.Transition(ctx, run.exec.ID, schema.ExecutionWaiting, schema.ExecutionRunning,
		map[string]any{"stepSlug": paused.StepSlug, "kind": run.exec.WaitingFor.Kind}); err != nil {
		return nil, err
	}
	in.emit(ctx, run, paused.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": schema.OutcomeDefault, "resumed": true})

	next := paused.Next(schema.OutcomeDefault)
	running := schema.ExecutionRunning
	update := store.ExecutionUpdate{Status: &running, ClearWaitingFor: true}
	if next != "" {
		update.CurrentStep = &next
	}
	if err := in.checkpoint(ctx, run, update); err != nil {
		return nil, err
	}
	run.logger.Info("execution resumed", "step", paused.StepSlug)

	if next == "" {
		return in.complete(ctx, run)
	}
	return in.interpret(ctx, run)
}

func (in *Interpreter) load(ctx context.Context, executionID string) (*executionRun, error) {
	exec, err := in.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	def, err := in.store.GetDefinition(ctx, exec.WfDefinitionID)
	if err != nil {
		return nil, err
	}
	ns, err := LoadVariables(ctx, in.offload.blobs, exec)
	if err != nil {
		return nil, err
	}
	return &executionRun{
		exec:   exec,
		def:    def,
		ns:     ns,
		logger: in.logger.With("execution_id", exec.ID, "definition_id", exec.WfDefinitionID),
	}, nil
}

// interpret executes steps of a running execution until a stop point.
func (in *Interpreter) interpret(ctx context.Context, run *executionRun) (*RunResult, error) {
	for visited := 0; ; visited++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := run.def.StepBySlug(run.exec.CurrentStep)
		if step == nil {
			return in.fail(ctx, run, nil, schema.NewErrorf(schema.ErrCodeExecution,
				"step %q is not part of definition %s", run.exec.CurrentStep, run.def.ID))
		}
		if visited >= in.cfg.MaxStepsPerAdvance {
			return in.fail(ctx, run, step, schema.NewErrorf(schema.ErrCodeExecution,
				"visited %d steps without reaching a yield point", visited).
				WithDetails(map[string]any{"reason": "step_budget_exhausted"}))
		}

		res, err := in.runStep(ctx, run, step)
		if err != nil {
			// Host shutdown leaves the execution running at its last checkpoint.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return in.fail(ctx, run, step, err)
		}
		if res.suspend != nil {
			return in.suspend(ctx, run, step, res.suspend)
		}

		run.ns.SetStepOutput(step.StepSlug, res.output)
		in.checkDrift(ctx, run, step, res.output)
		in.emit(ctx, run, step.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": res.outcome})

		next := step.Next(res.outcome)
		if next == "" {
			return in.complete(ctx, run)
		}
		if err := in.checkpoint(ctx, run, store.ExecutionUpdate{CurrentStep: &next}); err != nil {
			return nil, err
		}
		if res.yield {
			return resultOf(run.exec, true), nil
		}
	}
}

func (in *Interpreter) runStep(ctx context.Context, run *executionRun, step *schema.StepDefinition) (*stepResult, error) {
	ctx = logging.WithStepSlug(ctx, step.StepSlug)
	in.emit(ctx, run, step.StepSlug, schema.EventStepStarted, map[string]any{"stepType": step.StepType})
	run.logger.Debug("step started", "step", step.StepSlug, "type", step.StepType)

	switch step.StepType {
	case schema.StepTypeTrigger:
		return in.runTrigger(run)
	case schema.StepTypeCondition:
		return in.runCondition(ctx, run, step)
	case schema.StepTypeLLM:
		return in.runLLM(ctx, run, step)
	case schema.StepTypeAction:
		return in.runAction(ctx, run, step)
	case schema.StepTypeLoop:
		return in.runLoop(ctx, run, step)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.StepType).WithStep(step.StepSlug)
	}
}

// checkDrift reports outputs that do not match the declared step schema. Drift
// never fails the execution.
func (in *Interpreter) checkDrift(ctx context.Context, run *executionRun, step *schema.StepDefinition, output any) {
	action := ""
	if cfg, ok := step.Config.(schema.ActionConfig); ok {
		action = cfg.Action
	}
	if err := in.schemas.ValidateOutput(step.StepType, action, output); err != nil {
		run.logger.Warn("step output does not match its schema", "step", step.StepSlug, "error", err)
		in.emit(ctx, run, step.StepSlug, schema.EventOutputSchemaDrift, map[string]any{"error": err.Error()})
	}
}

func (in *Interpreter) suspend(ctx context.Context, run *executionRun, step *schema.StepDefinition, waiting *store.WaitingFor) (*RunResult, error) {
	waiting.StepSlug = step.StepSlug
	waiting.RequestedAt = in.now()
	if err := in.fsm.Transition(ctx, run.exec.ID, schema.ExecutionRunning, schema.ExecutionWaiting,
		map[string]any{"stepSlug": step.StepSlug, "kind": waiting.Kind}); err != nil {
		return nil, err
	}
	status := schema.ExecutionWaiting
	if err := in.checkpoint(ctx, run, store.ExecutionUpdate{Status: &status, WaitingFor: waiting}); err != nil {
		return nil, err
	}
	run.logger.Info("execution waiting", "step", step.StepSlug, "kind", waiting.Kind)
	return resultOf(run.exec, false), nil
}

func (in *Interpreter) complete(ctx context.Context, run *executionRun) (*RunResult, error) {
	output, err := in.offload.finalOutput(ctx, run.ns.Steps())
	if err != nil {
		run.logger.Warn("offload completion output failed", "error", err)
		output = SafeJSON(run.ns.Steps(), in.cfg.InlineCeilingBytes)
	}
	if err := in.fsm.Transition(ctx, run.exec.ID, run.exec.Status, schema.ExecutionCompleted,
		map[string]any{"outputBytes": len(output)}); err != nil {
		return nil, err
	}
	status := schema.ExecutionCompleted
	now := in.now()
	if err := in.checkpoint(ctx, run, store.ExecutionUpdate{Status: &status, Output: output, CompletedAt: &now}); err != nil {
		return nil, err
	}
	run.exec.Output = output
	run.logger.Info("execution completed", "steps", len(run.ns.Steps()))
	return resultOf(run.exec, false), nil
}

// fail moves the execution to failed. Outputs of the steps that already ran
// are kept in the failure output.
func (in *Interpreter) fail(ctx context.Context, run *executionRun, step *schema.StepDefinition, cause error) (*RunResult, error) {
	ae := asAutomataError(cause)
	slug := ae.StepSlug
	if step != nil {
		slug = step.StepSlug
	}
	reason := failureReason(ae)

	if step != nil {
		in.emit(ctx, run, slug, schema.EventStepFailed, map[string]any{"error": ae.Message, "code": ae.Code})
	}
	errDoc := SafeJSON(map[string]any{
		"error":   ae.Message,
		"code":    ae.Code,
		"step":    slug,
		"reason":  reason,
		"details": ae.Details,
	}, 0)

	output, err := in.offload.finalOutput(ctx, map[string]any{"steps": run.ns.Steps()})
	if err != nil {
		output = SafeJSON(map[string]any{"steps": run.ns.Steps()}, in.cfg.InlineCeilingBytes)
	}

	if err := in.fsm.Transition(ctx, run.exec.ID, run.exec.Status, schema.ExecutionFailed,
		map[string]any{"error": ae.Message, "code": ae.Code, "step": slug, "reason": reason}); err != nil {
		return nil, err
	}
	status := schema.ExecutionFailed
	now := in.now()
	update := store.ExecutionUpdate{Status: &status, Output: output, Error: errDoc, CompletedAt: &now}
	if run.exec.WaitingFor != nil {
		update.ClearWaitingFor = true
	}
	if err := in.checkpoint(ctx, run, update); err != nil {
		return nil, err
	}
	run.exec.Output = output
	run.exec.Error = errDoc
	run.logger.Error("execution failed", "step", slug, "code", ae.Code, "error", ae.Message)
	return resultOf(run.exec, false), nil
}

// checkpoint persists the namespace together with update, offloading the
// variables when they exceed the inline ceiling.
func (in *Interpreter) checkpoint(ctx context.Context, run *executionRun, update store.ExecutionUpdate) error {
	previous := run.exec.VariablesStorageRef
	patch, err := in.offload.prepare(ctx, run.ns, previous)
	if err != nil {
		return err
	}
	update.Variables = patch.variables
	ref := patch.storageRef
	update.VariablesStorageRef = &ref

	if err := in.store.UpdateExecution(ctx, run.exec.ID, update); err != nil {
		if patch.offloaded {
			_ = in.offload.release(ctx, patch.storageRef)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "persist execution %s: %s", run.exec.ID, err).WithCause(err)
	}
	applyUpdate(run.exec, update)

	if err := in.offload.release(ctx, patch.superseded); err != nil {
		run.logger.Warn("release superseded variables blob", "error", err)
	}
	if patch.offloaded && previous == "" {
		in.emit(ctx, run, "", schema.EventVariablesOffloaded, map[string]any{"storageRef": ref, "size": patch.size})
	}
	return nil
}

// emit appends a step or execution event. Event log failures are logged, not
// propagated.
func (in *Interpreter) emit(ctx context.Context, run *executionRun, stepSlug, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = SafeJSON(payload, 0)
	}
	if err := in.store.AppendEvent(ctx, &store.Event{
		ExecutionID: run.exec.ID,
		StepSlug:    stepSlug,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   in.now(),
	}); err != nil {
		run.logger.Warn("append event failed", "event", eventType, "error", err)
	}
}

func applyUpdate(exec *store.Execution, u store.ExecutionUpdate) {
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if u.Variables != nil {
		exec.Variables = u.Variables
	}
	if u.VariablesStorageRef != nil {
		exec.VariablesStorageRef = *u.VariablesStorageRef
	}
	if u.ClearWaitingFor {
		exec.WaitingFor = nil
	} else if u.WaitingFor != nil {
		exec.WaitingFor = u.WaitingFor
	}
	if u.CurrentStep != nil {
		exec.CurrentStep = *u.CurrentStep
	}
	if u.Output != nil {
		exec.Output = u.Output
	}
	if u.Error != nil {
		exec.Error = u.Error
	}
	if u.CompletedAt != nil {
		exec.CompletedAt = u.CompletedAt
	}
}

func resultOf(exec *store.Execution, yielded bool) *RunResult {
	return &RunResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		CurrentStep: exec.CurrentStep,
		WaitingFor:  exec.WaitingFor,
		Yielded:     yielded,
		Output:      exec.Output,
		Error:       exec.Error,
	}
}

func asAutomataError(err error) *schema.AutomataError {
	var ae *schema.AutomataError
	if errors.As(err, &ae) {
		return ae
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func failureReason(ae *schema.AutomataError) string {
	if r, ok := ae.Details["reason"].(string); ok && r != "" {
		return r
	}
	return strings.ToLower(ae.Code)
}

func interpolationError(stepSlug, field string, err error) *schema.AutomataError {
	return schema.NewErrorf(schema.ErrCodeInterpolation, "interpolate %s: %s", field, err).WithStep(stepSlug).WithCause(err)
}

// executionLocks serializes calls per execution ID.
type executionLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (l *executionLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*refLock)
	}
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
