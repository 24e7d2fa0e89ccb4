package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/automata/internal/engine"
	"github.com/rendis/automata/internal/service"
	"github.com/rendis/automata/pkg/schema"
)

// handleTrigger submits a trigger attempt. Refused attempts are successful
// calls whose status says why.
func (s *AutomataServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("wf_definition_id")
	if err != nil {
		return mcp.NewToolResultError("wf_definition_id is required"), nil
	}
	triggerType := schema.TriggerType(req.GetString("trigger_type", string(schema.TriggerAPI)))
	if triggerType == schema.TriggerSchedule || !triggerType.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("trigger_type %q is not accepted", triggerType)), nil
	}

	adm, err := s.backend.CreateExecution(ctx, service.CreateExecutionRequest{
		WfDefinitionID: defID,
		TriggerType:    triggerType,
		IdempotencyKey: req.GetString("idempotency_key", ""),
		Input:          mcp.ParseStringMap(req, "input", nil),
	})
	if err != nil {
		return toolError("trigger failed", err), nil
	}
	if adm.Accepted() && req.GetBool("notify", false) {
		s.watch(ctx, adm.ExecutionID)
	}
	return marshalResult(adm)
}

// handleStatus returns the current state of an execution.
func (s *AutomataServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := s.backend.GetExecutionStatus(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(status)
}

// handleStats returns the execution statistics of a definition.
func (s *AutomataServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("wf_definition_id")
	if err != nil {
		return mcp.NewToolResultError("wf_definition_id is required"), nil
	}
	stats, err := s.backend.ListExecutionStats(ctx, defID)
	if err != nil {
		return toolError("stats query failed", err), nil
	}
	return marshalResult(stats)
}

// handleResume ends the wait of an execution.
func (s *AutomataServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	res, err := s.backend.ResumeExecution(ctx, executionID, engine.ResumePayload{
		Output:    mcp.ParseStringMap(req, "output", nil),
		Variables: mcp.ParseStringMap(req, "variables", nil),
		Metadata:  mcp.ParseStringMap(req, "metadata", nil),
	})
	if err != nil {
		return toolError("resume failed", err), nil
	}
	return marshalResult(res)
}

// handleValidate checks one step config.
func (s *AutomataServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var step schema.StepDefinition
	if err := decodeArgument(req, "step", &step); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.backend.ValidateStepConfig(ctx, &step, req.GetString("wf_definition_id", ""))
	if err != nil {
		return toolError("validation failed", err), nil
	}
	return marshalResult(result)
}

// handlePublish publishes an existing draft, or saves the given definition
// as a draft first.
func (s *AutomataServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID := req.GetString("wf_definition_id", "")
	if _, ok := req.GetArguments()["definition"]; ok {
		var def schema.WorkflowDefinition
		if err := decodeArgument(req, "definition", &def); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		draft, result, err := s.backend.SaveDraft(ctx, &def)
		if err != nil {
			return toolError("save draft failed", err), nil
		}
		if !result.Valid() {
			return marshalResult(map[string]any{"published": false, "definition": draft, "validation": result})
		}
		defID = draft.ID
	}
	if defID == "" {
		return mcp.NewToolResultError("wf_definition_id or definition is required"), nil
	}

	published, result, err := s.backend.PublishDefinition(ctx, defID)
	if err != nil {
		if result != nil {
			return marshalResult(map[string]any{"published": false, "validation": result, "error": err.Error()})
		}
		return toolError("publish failed", err), nil
	}
	return marshalResult(map[string]any{"published": true, "definition": published, "validation": result})
}

// --- Helpers ---

// watch maps the execution to the caller's MCP session for notifications.
func (s *AutomataServer) watch(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// decodeArgument round-trips an object argument through JSON into target,
// so that step configs go through their type-dispatching decoder.
func decodeArgument(req mcp.CallToolRequest, key string, target any) error {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return fmt.Errorf("%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	return nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
