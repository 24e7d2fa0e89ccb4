package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/pkg/schema"
)

// LoopState is the persisted cursor of a loop step.
type LoopState struct {
	CurrentIndex     int  `json:"currentIndex"`
	TotalItems       int  `json:"totalItems"`
	IsComplete       bool `json:"isComplete"`
	Iterations       int  `json:"iterations"`
	BatchesProcessed int  `json:"batchesProcessed"`
}

type loopOutput struct {
	State LoopState `json:"state"`
	Batch []any     `json:"batch"`
}

// runLoop hands out the next batch of items. A produced batch takes the
// continue edge and yields; an exhausted collection takes the done edge with
// an empty batch. The next visit after a done starts over.
func (in *Interpreter) runLoop(ctx context.Context, run *executionRun, step *schema.StepDefinition) (*stepResult, error) {
	cfg, err := schema.ConfigAs[schema.LoopConfig](step)
	if err != nil {
		return nil, err
	}
	items, err := in.loopItems(ctx, run, cfg.Items)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "resolve loop items: %s", err).WithStep(step.StepSlug).WithCause(err)
	}

	state := LoopState{}
	if prev, ok := previousLoopOutput(run.ns, step.StepSlug); ok && !(prev.State.IsComplete && len(prev.Batch) == 0) {
		state = prev.State
	}
	state.TotalItems = len(items)

	start := min(state.CurrentIndex, len(items))
	end := min(start+cfg.BatchSizeOrDefault(), len(items))
	if cfg.MaxIterations > 0 && state.Iterations >= cfg.MaxIterations {
		end = start
	}
	batch := append([]any{}, items[start:end]...)

	if len(batch) > 0 {
		state.CurrentIndex = end
		state.Iterations++
		state.BatchesProcessed++
	}
	state.IsComplete = state.CurrentIndex >= state.TotalItems ||
		(cfg.MaxIterations > 0 && state.Iterations >= cfg.MaxIterations)

	output := map[string]any{
		"state": map[string]any{
			"currentIndex":     state.CurrentIndex,
			"totalItems":       state.TotalItems,
			"isComplete":       state.IsComplete,
			"iterations":       state.Iterations,
			"batchesProcessed": state.BatchesProcessed,
		},
		"batch": batch,
	}

	if len(batch) == 0 {
		if current, ok := run.ns[expressions.KeyLoop].(map[string]any); ok && current["slug"] == step.StepSlug {
			run.ns.ClearLoop()
		}
		in.emit(ctx, run, step.StepSlug, schema.EventLoopCompleted, map[string]any{
			"iterations": state.Iterations,
			"totalItems": state.TotalItems,
		})
		return &stepResult{output: output, outcome: schema.OutcomeDone}, nil
	}

	output["item"] = batch[0]
	run.ns.SetLoop(map[string]any{
		"slug":      step.StepSlug,
		"batch":     batch,
		"item":      batch[0],
		"index":     start,
		"iteration": state.Iterations,
	})
	in.emit(ctx, run, step.StepSlug, schema.EventLoopBatch, map[string]any{
		"index":     start,
		"size":      len(batch),
		"iteration": state.Iterations,
	})
	return &stepResult{output: output, outcome: schema.OutcomeContinue, yield: true}, nil
}

// loopItems resolves the collection of a loop: a single {{reference}} is read
// from the namespace, anything else is a jq expression over it.
func (in *Interpreter) loopItems(ctx context.Context, run *executionRun, source string) ([]any, error) {
	var value any
	if _, ok := expressions.SingleReference(source); ok {
		v, err := expressions.Interpolator{Strict: true}.Interpolate(source, run.ns.Map())
		if err != nil {
			return nil, err
		}
		value = v
	} else {
		results, err := in.engines.JQ.EvaluateAll(ctx, source, run.ns.Map())
		if err != nil {
			return nil, err
		}
		if arr, ok := singleArray(results); ok {
			value = arr
		} else {
			value = results
		}
	}

	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop items resolved to %T, want an array", value)
	}
}

func singleArray(results []any) ([]any, bool) {
	if len(results) != 1 {
		return nil, false
	}
	arr, ok := results[0].([]any)
	return arr, ok
}

func previousLoopOutput(ns expressions.Namespace, slug string) (*loopOutput, bool) {
	prev, ok := ns.StepOutput(slug)
	if !ok || prev == nil {
		return nil, false
	}
	raw, err := json.Marshal(prev)
	if err != nil {
		return nil, false
	}
	var out loopOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return &out, true
}
