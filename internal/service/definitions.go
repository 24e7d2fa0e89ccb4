package service

import (
	"context"
	"strings"

	"github.com/rendis/automata/internal/scheduler"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// ValidateStepConfig validates one step while it is being edited. When
// wfDefinitionID is set, the step is checked against that definition's
// steps, replacing the step with the same slug.
func (s *Service) ValidateStepConfig(ctx context.Context, step *schema.StepDefinition, wfDefinitionID string) (*schema.ValidationResult, error) {
	if step == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step is required")
	}
	steps := []schema.StepDefinition{*step}
	if wfDefinitionID != "" {
		def, err := s.store.GetDefinition(ctx, wfDefinitionID)
		if err != nil {
			return nil, err
		}
		steps = withStep(def.Steps, *step)
	}
	return s.validator.ValidateStepConfig(step, steps), nil
}

func withStep(steps []schema.StepDefinition, step schema.StepDefinition) []schema.StepDefinition {
	out := make([]schema.StepDefinition, 0, len(steps)+1)
	replaced := false
	for _, st := range steps {
		if st.StepSlug == step.StepSlug {
			out = append(out, step)
			replaced = true
			continue
		}
		out = append(out, st)
	}
	if !replaced {
		out = append(out, step)
	}
	return out
}

// SaveDraft stores a definition as a draft and returns it with its
// validation result. Drafts are saved even when invalid. Saving over an
// existing draft replaces its steps; saving over an active or archived
// version creates the next draft version of the same workflow.
func (s *Service) SaveDraft(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	if def == nil || def.OrganizationID == "" || strings.TrimSpace(def.Name) == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "a draft needs an organizationId and a name")
	}
	result := s.validator.ValidateDefinition(def)

	if def.ID != "" {
		existing, err := s.store.GetDefinition(ctx, def.ID)
		if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, nil, err
		}
		if existing != nil && existing.Status == schema.DefinitionDraft {
			if err := s.store.ReplaceSteps(ctx, def.ID, def.Steps); err != nil {
				return nil, nil, err
			}
			saved, err := s.store.GetDefinition(ctx, def.ID)
			if err != nil {
				return nil, nil, err
			}
			return saved, result, nil
		}
	}

	draft := &schema.WorkflowDefinition{
		OrganizationID: def.OrganizationID,
		Name:           def.Name,
		Status:         schema.DefinitionDraft,
		Steps:          def.Steps,
	}
	if err := s.store.CreateDefinition(ctx, draft); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create draft: %s", err).WithCause(err)
	}
	saved, err := s.store.GetDefinition(ctx, draft.ID)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("draft saved", "definition_id", saved.ID, "name", saved.Name, "version", saved.VersionNumber, "valid", result.Valid())
	return saved, result, nil
}

// PublishDefinition validates a draft and makes it the active version,
// archiving the previous one. An invalid draft is not published: the result
// is returned with a VALIDATION_ERROR, or REFERENCE_ERROR when every issue
// is a variable reference problem. The schedule of the workflow follows the
// active version.
func (s *Service) PublishDefinition(ctx context.Context, wfDefinitionID string) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	def, err := s.store.GetDefinition(ctx, wfDefinitionID)
	if err != nil {
		return nil, nil, err
	}
	result := s.validator.ValidateDefinition(def)
	if !result.Valid() {
		return nil, result, schema.NewErrorf(publishErrorCode(result),
			"workflow definition %q has %d validation error(s)", wfDefinitionID, len(result.Errors)).
			WithDetails(map[string]any{"errors": result.Errors})
	}

	previous, err := s.store.GetActiveDefinition(ctx, def.OrganizationID, def.Name)
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, nil, err
	}

	published, err := s.store.PublishDefinition(ctx, wfDefinitionID)
	if err != nil {
		return nil, nil, err
	}
	if previous != nil && previous.ID != published.ID {
		s.dropSchedule(ctx, previous.ID)
	}
	if err := s.syncSchedule(ctx, published); err != nil {
		return nil, nil, err
	}
	s.logger.Info("definition published", "definition_id", published.ID, "name", published.Name, "version", published.VersionNumber)
	return published, result, nil
}

func publishErrorCode(result *schema.ValidationResult) string {
	for _, issue := range result.Errors {
		switch issue.Code {
		case schema.CodeUnknownStepReference, schema.CodeForwardOrCyclicReference, schema.CodeInvalidOutputPath:
		default:
			return schema.ErrCodeValidation
		}
	}
	return schema.ErrCodeReference
}

// ArchiveDefinition archives a definition and removes its schedule.
func (s *Service) ArchiveDefinition(ctx context.Context, wfDefinitionID string) error {
	if err := s.store.ArchiveDefinition(ctx, wfDefinitionID); err != nil {
		return err
	}
	s.dropSchedule(ctx, wfDefinitionID)
	s.logger.Info("definition archived", "definition_id", wfDefinitionID)
	return nil
}

// syncSchedule keeps a schedules row for an active definition with a
// schedule trigger, and none otherwise.
func (s *Service) syncSchedule(ctx context.Context, def *schema.WorkflowDefinition) error {
	cfg, ok := def.TriggerConfig()
	if !ok || cfg.Type != schema.TriggerSchedule || cfg.Schedule == "" {
		s.dropSchedule(ctx, def.ID)
		return nil
	}
	next, err := scheduler.NextRun(cfg.Schedule, s.now())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s", err).WithCause(err)
	}
	if err := s.store.UpsertSchedule(ctx, &store.Schedule{
		WfDefinitionID: def.ID,
		OrganizationID: def.OrganizationID,
		CronExpression: cfg.Schedule,
		Enabled:        true,
		NextRunAt:      &next,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upsert schedule: %s", err).WithCause(err)
	}
	return nil
}

func (s *Service) dropSchedule(ctx context.Context, definitionID string) {
	if err := s.store.DeleteSchedule(ctx, definitionID); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		s.logger.Warn("could not remove schedule", "definition_id", definitionID, "error", err)
	}
}
