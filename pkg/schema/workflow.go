package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefinitionStatus is the publication state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// WorkflowDefinition is one version of a named automation within an organization.
// At most one version per (OrganizationID, Name) is active at any time.
type WorkflowDefinition struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	Name           string           `json:"name"`
	Status         DefinitionStatus `json:"status"`
	RootVersionID  string           `json:"rootVersionId,omitempty"`
	VersionNumber  int              `json:"versionNumber"`
	Steps          []StepDefinition `json:"steps,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTrigger   StepType = "trigger"
	StepTypeLLM       StepType = "llm"
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
	StepTypeLoop      StepType = "loop"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeTrigger, StepTypeLLM, StepTypeCondition, StepTypeAction, StepTypeLoop:
		return true
	}
	return false
}

// Outcome labels used as keys of StepDefinition.NextSteps.
const (
	OutcomeDefault  = "default"
	OutcomeTrue     = "true"
	OutcomeFalse    = "false"
	OutcomeContinue = "continue"
	OutcomeDone     = "done"
)

// StepDefinition describes a single node of the step graph.
type StepDefinition struct {
	ID             string            `json:"id,omitempty"`
	WfDefinitionID string            `json:"wfDefinitionId,omitempty"`
	StepSlug       string            `json:"stepSlug"`
	Name           string            `json:"name,omitempty"`
	StepType       StepType          `json:"stepType"`
	Order          int               `json:"order"`
	Config         StepConfig        `json:"config"`
	NextSteps      map[string]string `json:"nextSteps,omitempty"`
}

// StepConfig is the tagged union of per-type step configurations.
type StepConfig interface {
	StepType() StepType
}

// TriggerType enumerates how an execution may be started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerAPI      TriggerType = "api"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerWebhook, TriggerAPI:
		return true
	}
	return false
}

// TriggerConfig configures the entry step of a workflow.
type TriggerConfig struct {
	Type               TriggerType `json:"type"`
	Schedule           string      `json:"schedule,omitempty"`           // cron expression (schedule triggers)
	MinIntervalSeconds int         `json:"minIntervalSeconds,omitempty"` // schedule/webhook rate limit
}

func (TriggerConfig) StepType() StepType { return StepTypeTrigger }

// LLMConfig configures a call to the LLM provider.
type LLMConfig struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Timeout      string   `json:"timeout,omitempty"` // e.g. "30s"
}

func (LLMConfig) StepType() StepType { return StepTypeLLM }

// ConditionConfig configures a boolean branch.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Engine     string `json:"engine,omitempty"` // cel | expr (default: cel)
}

func (ConditionConfig) StepType() StepType { return StepTypeCondition }

// RetryPolicy is the user-facing retry configuration of an action step.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
	BackoffMs  int `json:"backoffMs"`
}

// ActionConfig configures a registered action invocation.
type ActionConfig struct {
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retryPolicy,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
}

func (ActionConfig) StepType() StepType { return StepTypeAction }

// LoopConfig configures batched iteration over a collection.
// Items is either a single {{reference}} or a jq expression over the variables namespace.
type LoopConfig struct {
	Items         string `json:"items"`
	BatchSize     int    `json:"batchSize,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

func (LoopConfig) StepType() StepType { return StepTypeLoop }

// BatchSizeOrDefault returns the configured batch size, defaulting to 1.
func (c LoopConfig) BatchSizeOrDefault() int {
	if c.BatchSize <= 0 {
		return 1
	}
	return c.BatchSize
}

type stepDefinitionJSON struct {
	ID             string            `json:"id,omitempty"`
	WfDefinitionID string            `json:"wfDefinitionId,omitempty"`
	StepSlug       string            `json:"stepSlug"`
	Name           string            `json:"name,omitempty"`
	StepType       StepType          `json:"stepType"`
	Order          int               `json:"order"`
	Config         json.RawMessage   `json:"config,omitempty"`
	NextSteps      map[string]string `json:"nextSteps,omitempty"`
}

// UnmarshalJSON decodes the config variant selected by stepType.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var raw stepDefinitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeStepConfig(raw.StepType, raw.Config)
	if err != nil {
		return err
	}
	*s = StepDefinition{
		ID:             raw.ID,
		WfDefinitionID: raw.WfDefinitionID,
		StepSlug:       raw.StepSlug,
		Name:           raw.Name,
		StepType:       raw.StepType,
		Order:          raw.Order,
		Config:         cfg,
		NextSteps:      raw.NextSteps,
	}
	return nil
}

// DecodeStepConfig decodes raw config JSON into the variant for stepType.
func DecodeStepConfig(stepType StepType, raw json.RawMessage) (StepConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		cfg StepConfig
		err error
	)
	switch stepType {
	case StepTypeTrigger:
		var c TriggerConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeLLM:
		var c LLMConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeCondition:
		var c ConditionConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeAction:
		var c ActionConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StepTypeLoop:
		var c LoopConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", stepType)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s config: %s", stepType, err.Error()).WithCause(err)
	}
	return cfg, nil
}

// ConfigAs returns the step config as the concrete variant T.
func ConfigAs[T StepConfig](s *StepDefinition) (T, error) {
	var zero T
	switch c := s.Config.(type) {
	case T:
		return c, nil
	case nil:
		return zero, NewErrorf(ErrCodeValidation, "step %s has no config", s.StepSlug).WithStep(s.StepSlug)
	default:
		return zero, NewErrorf(ErrCodeValidation, "step %s: config is %T, want %T", s.StepSlug, c, zero).WithStep(s.StepSlug)
	}
}

// Next returns the slug reached through the given outcome edge, or "" when the graph ends.
func (s *StepDefinition) Next(outcome string) string {
	if s.NextSteps == nil {
		return ""
	}
	return s.NextSteps[outcome]
}

// StepBySlug returns the step with the given slug, or nil.
func (d *WorkflowDefinition) StepBySlug(slug string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].StepSlug == slug {
			return &d.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the trigger step, falling back to the lowest-order step.
func (d *WorkflowDefinition) EntryStep() (*StepDefinition, error) {
	var first *StepDefinition
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.StepType == StepTypeTrigger {
			return s, nil
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	if first == nil {
		return nil, NewErrorf(ErrCodeValidation, "workflow %s has no steps", d.ID)
	}
	return first, nil
}

// TriggerConfig returns the config of the trigger step, if any.
func (d *WorkflowDefinition) TriggerConfig() (TriggerConfig, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepType != StepTypeTrigger {
			continue
		}
		if c, ok := d.Steps[i].Config.(TriggerConfig); ok {
			return c, true
		}
	}
	return TriggerConfig{}, false
}

func (s StepDefinition) String() string {
	return fmt.Sprintf("%s(%s#%d)", s.StepSlug, s.StepType, s.Order)
}
