package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/automata/pkg/schema"
)

// allowedOutcomes lists the nextSteps keys each step type may emit.
var allowedOutcomes = map[schema.StepType][]string{
	schema.StepTypeTrigger:   {schema.OutcomeDefault},
	schema.StepTypeLLM:       {schema.OutcomeDefault},
	schema.StepTypeAction:    {schema.OutcomeDefault},
	schema.StepTypeCondition: {schema.OutcomeTrue, schema.OutcomeFalse},
	schema.StepTypeLoop:      {schema.OutcomeContinue, schema.OutcomeDone},
}

// validateGraph checks the step list and its nextSteps edges: unique slugs,
// strictly increasing order, known outcome labels, existing targets, self-edges
// only on loops, a single trigger. Steps unreachable from the entry step are
// reported as warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	addErr := func(path, slug, msg string) {
		result.Add(schema.ValidationIssue{Path: path, Code: schema.CodeInvalidGraph, Message: msg, StepSlug: slug})
	}

	slugs := make(map[string]bool, len(def.Steps))
	triggers := 0
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.StepSlug == "" {
			addErr(path+".stepSlug", "", "step slug is required")
			continue
		}
		if slugs[s.StepSlug] {
			addErr(path+".stepSlug", s.StepSlug, fmt.Sprintf("duplicate step slug %q", s.StepSlug))
		}
		slugs[s.StepSlug] = true
		if i > 0 && s.Order <= def.Steps[i-1].Order {
			addErr(path+".order", s.StepSlug, fmt.Sprintf("order %d must be greater than %d of step %q",
				s.Order, def.Steps[i-1].Order, def.Steps[i-1].StepSlug))
		}
		if s.StepType == schema.StepTypeTrigger {
			triggers++
			if triggers > 1 {
				addErr(path+".stepType", s.StepSlug, "a workflow has at most one trigger step")
			}
		}
	}

	for i, s := range def.Steps {
		allowed := allowedOutcomes[s.StepType]
		for _, outcome := range sortedKeys(s.NextSteps) {
			target := s.NextSteps[outcome]
			path := fmt.Sprintf("steps[%d].nextSteps.%s", i, outcome)
			if !contains(allowed, outcome) {
				addErr(path, s.StepSlug, fmt.Sprintf("%s step cannot emit outcome %q (allowed: %v)", s.StepType, outcome, allowed))
				continue
			}
			if target == "" {
				continue
			}
			if !slugs[target] {
				addErr(path, s.StepSlug, fmt.Sprintf("references non-existent step %q", target))
				continue
			}
			if target == s.StepSlug && s.StepType != schema.StepTypeLoop {
				addErr(path, s.StepSlug, "only loop steps may target themselves")
			}
		}
	}

	if !result.Valid() {
		return result
	}
	for _, slug := range unreachable(def) {
		result.Add(schema.ValidationIssue{
			Path:     stepPath(slug),
			Code:     schema.CodeInvalidGraph,
			Message:  fmt.Sprintf("step %q is not reachable from the entry step", slug),
			Severity: schema.SeverityWarning,
			StepSlug: slug,
		})
	}
	return result
}

// unreachable returns, in step order, the slugs a BFS from the entry step never visits.
func unreachable(def *schema.WorkflowDefinition) []string {
	entry, err := def.EntryStep()
	if err != nil {
		return nil
	}
	visited := map[string]bool{entry.StepSlug: true}
	queue := []string{entry.StepSlug}
	for len(queue) > 0 {
		node := def.StepBySlug(queue[0])
		queue = queue[1:]
		for _, outcome := range sortedKeys(node.NextSteps) {
			next := node.NextSteps[outcome]
			if next != "" && !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for _, s := range def.Steps {
		if !visited[s.StepSlug] {
			out = append(out, s.StepSlug)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
