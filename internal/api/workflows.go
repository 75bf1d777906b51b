// Package api contains the HTTP handlers of the workflow registry.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"nexus-orchestrator/backend/internal/auth"
	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/internal/services"
	"nexus-orchestrator/backend/pkg/models"
)

// Workflows is the registry surface served over HTTP.
// *services.WorkflowService implements it.
type Workflows interface {
	Create(ctx context.Context, user models.User, workflow models.WorkflowSchema, workspaceKey string) (string, error)
	Update(ctx context.Context, user models.User, key string, workflow models.WorkflowSchema) error
	Delete(ctx context.Context, user models.User, key string) (bool, error)
	Move(ctx context.Context, user models.User, key, workspaceKey string) error
	List(ctx context.Context, user models.User, workspaceKey string) ([]services.WorkflowView, error)
	Executions(ctx context.Context, user models.User, key string, query repository.ExecutionQuery) ([]models.ExecutionSummary, error)
	ExecutionLog(ctx context.Context, user models.User, executionID string) ([]models.ExecutionLog, error)
	TestAction(ctx context.Context, user models.User, req services.TestActionRequest) (any, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	workflows Workflows
}

// NewServer creates a new Server.
func NewServer(workflows Workflows) *Server {
	return &Server{workflows: workflows}
}

// RegisterHandlers mounts the registry routes on g.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.PUT("/workflows/:key", s.UpdateWorkflow)
	g.DELETE("/workflows/:key", s.DeleteWorkflow)
	g.POST("/workflows/:key/move", s.MoveWorkflow)
	g.GET("/workflows/:key/executions", s.ListExecutions)
	g.GET("/executions/:executionId", s.GetExecutionLog)
	g.POST("/actions/test", s.TestAction)
}

// CreateWorkflowRequest is the body of POST /workflows.
type CreateWorkflowRequest struct {
	Workflow     models.WorkflowSchema `json:"workflow"`
	WorkspaceKey string                `json:"workspaceKey,omitempty"`
}

// UpdateWorkflowRequest is the body of PUT /workflows/:key.
type UpdateWorkflowRequest struct {
	Workflow models.WorkflowSchema `json:"workflow"`
}

// MoveWorkflowRequest is the body of POST /workflows/:key/move.
type MoveWorkflowRequest struct {
	WorkspaceKey string `json:"workspaceKey"`
}

// KeyResponse echoes the key of the affected workflow.
type KeyResponse struct {
	Key string `json:"key"`
}

func currentUser(c echo.Context) (models.User, error) {
	user, ok := auth.UserFromContext(c.Request().Context())
	if !ok || user.Subject == "" {
		return models.User{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return user, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

// ListWorkflows returns the caller's workflows
// (GET /api/v1/workflows?workspace=)
func (s *Server) ListWorkflows(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	views, err := s.workflows.List(c.Request().Context(), user, c.QueryParam("workspace"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// CreateWorkflow stores a workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req CreateWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	key, err := s.workflows.Create(c.Request().Context(), user, req.Workflow, req.WorkspaceKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, KeyResponse{Key: key})
}

// UpdateWorkflow replaces a workflow
// (PUT /api/v1/workflows/:key)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req UpdateWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	key := c.Param("key")
	if err := s.workflows.Update(c.Request().Context(), user, key, req.Workflow); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, KeyResponse{Key: key})
}

// DeleteWorkflow removes a workflow
// (DELETE /api/v1/workflows/:key)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	deleted, err := s.workflows.Delete(c.Request().Context(), user, c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

// MoveWorkflow changes the workspace of a workflow
// (POST /api/v1/workflows/:key/move)
func (s *Server) MoveWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req MoveWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	key := c.Param("key")
	if err := s.workflows.Move(c.Request().Context(), user, key, req.WorkspaceKey); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, KeyResponse{Key: key})
}

// ListExecutions lists the executions of a workflow
// (GET /api/v1/workflows/:key/executions?since=&until=&limit=)
func (s *Server) ListExecutions(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	query, err := parseExecutionQuery(c)
	if err != nil {
		return err
	}
	summaries, err := s.workflows.Executions(c.Request().Context(), user, c.Param("key"), query)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summaries)
}

// GetExecutionLog returns the step records of an execution
// (GET /api/v1/executions/:executionId)
func (s *Server) GetExecutionLog(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	logs, err := s.workflows.ExecutionLog(c.Request().Context(), user, c.Param("executionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}

// TestAction runs a single action in dry-run mode
// (POST /api/v1/actions/test)
func (s *Server) TestAction(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req services.TestActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.workflows.TestAction(c.Request().Context(), user, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// parseExecutionQuery reads since/until as RFC 3339 or unix milliseconds.
func parseExecutionQuery(c echo.Context) (repository.ExecutionQuery, error) {
	var q repository.ExecutionQuery
	var err error
	if q.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "invalid since: "+err.Error())
	}
	if q.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "invalid until: "+err.Error())
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
