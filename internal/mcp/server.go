// Package mcp exposes the workflow registry as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"nexus-orchestrator/backend/internal/auth"
	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/internal/services"
	"nexus-orchestrator/backend/pkg/models"
)

// Registry is the part of the workflow service the tools call.
type Registry interface {
	List(ctx context.Context, user models.User, workspaceKey string) ([]services.WorkflowView, error)
	Executions(ctx context.Context, user models.User, key string, query repository.ExecutionQuery) ([]models.ExecutionSummary, error)
	ExecutionLog(ctx context.Context, user models.User, executionID string) ([]models.ExecutionLog, error)
	TestAction(ctx context.Context, user models.User, req services.TestActionRequest) (any, error)
}

type Server struct {
	mcpServer *server.MCPServer
	registry  Registry
}

func NewServer(registry Registry, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Nexus Orchestrator",
			version,
			server.WithToolCapabilities(true),
		),
		registry: registry,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the caller's workflows, or the workflows of a workspace"),
			mcp.WithString("workspace", mcp.Description("Workspace key; omit for personal workflows")),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_executions",
			mcp.WithDescription("List recent executions of a workflow, newest first"),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("The workflow key")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of executions")),
		),
		s.handleListExecutions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_log",
			mcp.WithDescription("Get the step records of one execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleGetExecutionLog,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"test_action",
			mcp.WithDescription("Run a single connector action in dry-run mode"),
			mcp.WithString("connector", mcp.Required(), mcp.Description("Connector key")),
			mcp.WithString("operation", mcp.Required(), mcp.Description("Action key")),
			mcp.WithObject("input", mcp.Description("Action input")),
			mcp.WithString("environment", mcp.Description("production or staging")),
		),
		s.handleTestAction,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, *mcp.CallToolResult) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}
	return args, nil
}

func jsonResult(v any) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	workspace, _ := args["workspace"].(string)

	views, err := s.registry.List(ctx, user, workspace)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(views), nil
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	key, ok := args["workflow"].(string)
	if !ok || key == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow"), nil
	}
	query := repository.ExecutionQuery{}
	if limit, ok := args["limit"].(float64); ok {
		query.Limit = int(limit)
	}

	summaries, err := s.registry.Executions(ctx, user, key, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list executions: %v", err)), nil
	}
	return jsonResult(summaries), nil
}

func (s *Server) handleGetExecutionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	id, ok := args["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	logs, err := s.registry.ExecutionLog(ctx, user, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution log: %v", err)), nil
	}
	return jsonResult(logs), nil
}

func (s *Server) handleTestAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	connector, _ := args["connector"].(string)
	operation, _ := args["operation"].(string)
	if connector == "" || operation == "" {
		return mcp.NewToolResultError("Missing required parameters: connector, operation"), nil
	}
	input, _ := args["input"].(map[string]interface{})
	env, _ := args["environment"].(string)

	out, err := s.registry.TestAction(ctx, user, services.TestActionRequest{
		Step:        models.OperationSchema{Connector: connector, Operation: operation},
		Input:       input,
		Environment: env,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Action failed: %v", err)), nil
	}
	return jsonResult(out), nil
}

// withRequestUser carries the authenticated user of the HTTP request into
// tool handlers.
func withRequestUser(ctx context.Context, r *http.Request) context.Context {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return auth.WithUser(ctx, user)
	}
	return ctx
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(withRequestUser),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
