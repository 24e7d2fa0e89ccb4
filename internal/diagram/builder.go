package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition and, optionally,
// the step traces of one of its executions. Steps are laid out by their
// shortest distance from the trigger; steps the trigger cannot reach form a
// final level of their own.
func Build(def *schema.WorkflowDefinition, traces []*store.StepTrace) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no steps")
	}

	steps := make([]schema.StepDefinition, len(def.Steps))
	copy(steps, def.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	traceMap := make(map[string]*store.StepTrace, len(traces))
	for _, t := range traces {
		traceMap[t.StepSlug] = t
	}

	bySlug := make(map[string]*schema.StepDefinition, len(steps))
	nodes := make([]*Node, 0, len(steps)+1)
	for i := range steps {
		step := &steps[i]
		bySlug[step.StepSlug] = step
		node := stepToNode(step)
		overlayStatus(node, traceMap)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})

	edges := buildEdges(steps, bySlug)

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(steps, edges),
	}, nil
}

// stepToNode maps a StepDefinition to a diagram Node.
func stepToNode(step *schema.StepDefinition) *Node {
	return &Node{
		ID:    step.StepSlug,
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.StepType),
	}
}

// stepTypeToKind converts a schema.StepType to a NodeKind.
func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeTrigger:
		return NodeKindTrigger
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLLM:
		return NodeKindLLM
	case schema.StepTypeLoop:
		return NodeKindLoop
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(step *schema.StepDefinition) string {
	switch cfg := step.Config.(type) {
	case schema.ActionConfig:
		return fmt.Sprintf("%s\n(%s)", step.StepSlug, cfg.Action)
	case schema.TriggerConfig:
		return fmt.Sprintf("%s\n(%s)", step.StepSlug, cfg.Type)
	}
	return step.StepSlug
}

// overlayStatus applies the step trace to a node.
func overlayStatus(node *Node, traceMap map[string]*store.StepTrace) {
	if t, ok := traceMap[node.ID]; ok {
		node.Status = &StatusOverlay{
			Status:     t.Status,
			Visits:     t.Visits,
			Retries:    t.Retries,
			DurationMs: t.DurationMs,
		}
	}
}

// buildEdges lists the outcome transitions of every step in a stable order.
// Steps without transitions link to the end node. Targets that do not exist
// are dropped; the validator reports them.
func buildEdges(steps []schema.StepDefinition, bySlug map[string]*schema.StepDefinition) []Edge {
	var edges []Edge
	for _, step := range steps {
		if len(step.NextSteps) == 0 {
			edges = append(edges, Edge{From: step.StepSlug, To: EndNodeID})
			continue
		}
		outcomes := make([]string, 0, len(step.NextSteps))
		for outcome := range step.NextSteps {
			outcomes = append(outcomes, outcome)
		}
		sort.Strings(outcomes)
		for _, outcome := range outcomes {
			target := step.NextSteps[outcome]
			if _, ok := bySlug[target]; !ok {
				continue
			}
			label := outcome
			if outcome == schema.OutcomeDefault {
				label = ""
			}
			edges = append(edges, Edge{From: step.StepSlug, To: target, Label: label})
		}
	}
	return edges
}

// buildLevels groups step slugs by breadth-first distance from the trigger.
func buildLevels(steps []schema.StepDefinition, edges []Edge) [][]string {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		if e.To != EndNodeID {
			adjacency[e.From] = append(adjacency[e.From], e.To)
		}
	}

	var roots []string
	for _, step := range steps {
		if step.StepType == schema.StepTypeTrigger {
			roots = append(roots, step.StepSlug)
		}
	}
	if len(roots) == 0 {
		roots = []string{steps[0].StepSlug}
	}

	seen := make(map[string]bool, len(steps))
	var levels [][]string
	frontier := roots
	for _, r := range roots {
		seen[r] = true
	}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adjacency[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	var unreachable []string
	for _, step := range steps {
		if !seen[step.StepSlug] {
			unreachable = append(unreachable, step.StepSlug)
		}
	}
	if len(unreachable) > 0 {
		levels = append(levels, unreachable)
	}
	return append(levels, []string{EndNodeID})
}

// titleFromDef generates a diagram title from workflow metadata.
func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name == "" {
		return "Workflow"
	}
	if def.VersionNumber > 0 {
		return fmt.Sprintf("%s v%d", def.Name, def.VersionNumber)
	}
	return def.Name
}
