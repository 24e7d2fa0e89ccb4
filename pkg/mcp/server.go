// Package mcp exposes the automation service as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/automata/internal/engine"
	"github.com/rendis/automata/internal/service"
	"github.com/rendis/automata/internal/trigger"
	"github.com/rendis/automata/pkg/schema"
)

// Backend is the service surface the tools call. Satisfied by *service.Service.
type Backend interface {
	CreateExecution(ctx context.Context, req service.CreateExecutionRequest) (*trigger.Admission, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*service.ExecutionStatus, error)
	ListExecutionStats(ctx context.Context, wfDefinitionID string) (*service.ExecutionStats, error)
	ResumeExecution(ctx context.Context, executionID string, payload engine.ResumePayload) (*engine.RunResult, error)
	ValidateStepConfig(ctx context.Context, step *schema.StepDefinition, wfDefinitionID string) (*schema.ValidationResult, error)
	SaveDraft(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, *schema.ValidationResult, error)
	PublishDefinition(ctx context.Context, wfDefinitionID string) (*schema.WorkflowDefinition, *schema.ValidationResult, error)
}

// AutomataServerDeps holds the dependencies for creating an AutomataServer.
type AutomataServerDeps struct {
	Backend Backend
	Logger  *slog.Logger
}

// AutomataServer wraps an MCP server with the automation tool handlers.
type AutomataServer struct {
	backend   Backend
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ExecutionNotifier
	mcpServer *server.MCPServer
}

// NewAutomataServer creates a new AutomataServer with all tools registered.
func NewAutomataServer(deps AutomataServerDeps) *AutomataServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AutomataServer{
		backend:  deps.Backend,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"automata",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Automata runs multi-tenant workflow definitions. Use automata.trigger to start an execution, automata.status to inspect it, automata.resume to answer a waiting step, automata.stats for per-workflow counts, automata.validate while editing a step and automata.publish to activate a definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutomataServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutomataServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ExecutionFinished notifies the client watching an execution that it
// stopped being driven. It has the signature of engine.WorkerPool.OnFinish.
func (s *AutomataServer) ExecutionFinished(executionID string, res *engine.RunResult, err error) {
	payload := map[string]any{"executionId": executionID}
	if res != nil {
		payload["status"] = res.Status
		if res.WaitingFor != nil {
			payload["waitingFor"] = res.WaitingFor
		}
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if nerr := s.notifier.Notify(context.Background(), executionID, payload); nerr != nil {
		s.logger.Warn("execution notification failed", "execution_id", executionID, "error", nerr)
	}
}

func (s *AutomataServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: publishTool(), Handler: s.handlePublish},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("automata.trigger",
		mcp.WithDescription("Trigger an execution of an active workflow definition"),
		mcp.WithString("wf_definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithString("trigger_type",
			mcp.Enum("manual", "api", "webhook"),
			mcp.Description("How the execution is triggered (default: api)"),
		),
		mcp.WithString("idempotency_key", mcp.Description("Key deduplicating repeated deliveries of the same trigger")),
		mcp.WithObject("input", mcp.Description("Input variables for the execution")),
		mcp.WithBoolean("notify", mcp.Description("Send a notification to this session when the execution stops")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("automata.status",
		mcp.WithDescription("Get the status, variables and output of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("automata.stats",
		mcp.WithDescription("Get execution statistics of a workflow definition"),
		mcp.WithString("wf_definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("automata.resume",
		mcp.WithDescription("Resume a waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithObject("output", mcp.Description("Output recorded for the paused step")),
		mcp.WithObject("variables", mcp.Description("Variables merged into the execution")),
		mcp.WithObject("metadata", mcp.Description("Metadata merged into the execution")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("automata.validate",
		mcp.WithDescription("Validate a step config and its variable references"),
		mcp.WithObject("step", mcp.Required(), mcp.Description("Step definition to validate")),
		mcp.WithString("wf_definition_id", mcp.Description("Definition whose steps the step is checked against")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("automata.publish",
		mcp.WithDescription("Publish a workflow definition as the active version"),
		mcp.WithString("wf_definition_id", mcp.Description("ID of an existing draft to publish")),
		mcp.WithObject("definition", mcp.Description("Definition to save as a draft and publish")),
	)
}
