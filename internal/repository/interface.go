package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nexus-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a record with the same key already exists.
var ErrConflict = errors.New("already exists")

// DefaultExecutionLimit caps ListExecutions when no limit is given.
const DefaultExecutionLimit = 100

// WorkflowFilter selects workflows for ListWorkflows. With a WorkspaceKey the
// workspace's workflows are returned, otherwise the personal workflows of
// UserAccountID.
type WorkflowFilter struct {
	UserAccountID string
	WorkspaceKey  string
}

// ExecutionQuery bounds ListExecutions. Zero times are open bounds.
type ExecutionQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// WorkflowStore persists workflow records.
type WorkflowStore interface {
	// CreateWorkflow inserts a new workflow. It returns ErrConflict if the key is taken.
	CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error
	// GetWorkflow returns the workflow with the given key.
	GetWorkflow(ctx context.Context, key string) (*models.WorkflowRecord, error)
	// UpdateWorkflow replaces the workflow document and enabled flag.
	UpdateWorkflow(ctx context.Context, key string, workflow models.WorkflowSchema, enabled bool) error
	// MoveWorkflow changes the owning workspace. An empty key makes the workflow personal.
	MoveWorkflow(ctx context.Context, key, workspaceKey string) error
	// DeleteWorkflow removes the workflow with its execution logs and states.
	DeleteWorkflow(ctx context.Context, key string) (bool, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowRecord, error)
	// ListEnabledWorkflows returns every workflow with enabled set, for boot loading.
	ListEnabledWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error)
	ListAllWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error)
}

// ExecutionLogStore persists one record per executed step.
type ExecutionLogStore interface {
	InsertExecutionLog(ctx context.Context, log *models.ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, executionID string, stepIndex int, update models.ExecutionLogUpdate) error
	// ListExecutions groups the logs of a workflow by execution, newest first.
	ListExecutions(ctx context.Context, workflowKey string, query ExecutionQuery) ([]models.ExecutionSummary, error)
	// GetExecutionLog returns every step record of one execution.
	GetExecutionLog(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
}

// StateStore persists values that trigger connectors save between sessions.
type StateStore interface {
	// GetState returns nil when no value is stored.
	GetState(ctx context.Context, workflowKey string, stepIndex int, key string) (json.RawMessage, error)
	SetState(ctx context.Context, workflowKey string, stepIndex int, key string, value json.RawMessage) error
	ListStates(ctx context.Context, workflowKey string, stepIndex int) (map[string]json.RawMessage, error)
}

// WorkspaceStore reads and creates workspaces.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, key string) (*models.Workspace, error)
}

// Repository bundles every store over one database.
type Repository interface {
	WorkflowStore
	ExecutionLogStore
	StateStore
	WorkspaceStore
	// Ping checks the database connection.
	Ping(ctx context.Context) error
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
	Close()
}
