package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nexus-orchestrator/backend/internal/logging"
	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/pkg/models"
)

var (
	// ErrPermission is returned when the caller may not access a workflow or workspace.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidParams is returned for malformed requests.
	ErrInvalidParams = errors.New("invalid params")
	// ErrNotFound aliases the repository error so callers need one import.
	ErrNotFound = repository.ErrNotFound
)

// StagingSource is the workflow source prefix of the staging frontend.
const StagingSource = "urn:grindery-staging:"

// Tracking event names.
const (
	EventCreateWorkflow = "Create Workflow"
	EventUpdateWorkflow = "Update Workflow"
	EventDeleteWorkflow = "Delete Workflow"
	EventMoveWorkflow   = "Move Workflow"
	EventTestAction     = "Test Action"
)

// WorkflowView is a workflow as listed to its owner.
type WorkflowView struct {
	*models.WorkflowRecord
	State string `json:"state"`
}

// TestActionRequest runs one action outside of a workflow.
type TestActionRequest struct {
	Step        models.OperationSchema `json:"step"`
	Input       map[string]any         `json:"input"`
	Environment string                 `json:"environment,omitempty"`
}

// WorkflowService is the workflow registry: CRUD with permission checks on top
// of the store, keeping live runtimes in sync with stored workflows.
type WorkflowService struct {
	store     Store
	runtimes  Runtimes
	actions   ActionTester
	tracker   Tracker
	validator *Validator
	log       *logging.Logger
}

// NewWorkflowService wires the registry. tracker may be nil.
func NewWorkflowService(store Store, runtimes Runtimes, actions ActionTester, tracker Tracker, log *logging.Logger) (*WorkflowService, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &WorkflowService{
		store:     store,
		runtimes:  runtimes,
		actions:   actions,
		tracker:   tracker,
		validator: validator,
		log:       log,
	}, nil
}

// Create stores a new workflow for user, optionally in a workspace, and
// starts its runtime. It returns the generated key.
func (s *WorkflowService) Create(ctx context.Context, user models.User, workflow models.WorkflowSchema, workspaceKey string) (string, error) {
	if err := verifyAccountID(user.Subject); err != nil {
		return "", err
	}
	if err := s.validator.Validate(workflow); err != nil {
		return "", err
	}
	if workspaceKey != "" {
		if err := s.checkWorkspacePermission(ctx, workspaceKey, user.Subject); err != nil {
			return "", err
		}
	}
	MigrateCredentials(&workflow)

	key := uuid.New().String()
	if strings.HasPrefix(workflow.Source, StagingSource) {
		key = models.StagingKeyPrefix + key
	}
	record := &models.WorkflowRecord{
		Key:           key,
		WorkspaceKey:  workspaceKey,
		UserAccountID: user.Subject,
		Workflow:      workflow,
		Enabled:       workflow.Enabled(),
	}
	if err := s.store.CreateWorkflow(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	s.runtimes.Load(record)
	s.track(ctx, user, EventCreateWorkflow, workflowProps(record, user))
	s.log.Info("workflow created", "workflow", key, "workspace", workspaceKey)
	return key, nil
}

// Update replaces the workflow document and reloads its runtime.
func (s *WorkflowService) Update(ctx context.Context, user models.User, key string, workflow models.WorkflowSchema) error {
	if err := s.validator.Validate(workflow); err != nil {
		return err
	}
	record, err := s.fetchWorkflowAndCheckPermission(ctx, key, user.Subject)
	if err != nil {
		return err
	}
	MigrateCredentials(&workflow)

	record.Workflow = workflow
	record.Enabled = workflow.Enabled()
	if err := s.store.UpdateWorkflow(ctx, key, workflow, record.Enabled); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	s.runtimes.Load(record)
	s.track(ctx, user, EventUpdateWorkflow, workflowProps(record, user))
	return nil
}

// Delete removes the workflow, its logs and states, and stops its runtime.
func (s *WorkflowService) Delete(ctx context.Context, user models.User, key string) (bool, error) {
	record, err := s.fetchWorkflowAndCheckPermission(ctx, key, user.Subject)
	if err != nil {
		return false, err
	}
	s.runtimes.Stop(key)
	deleted, err := s.store.DeleteWorkflow(ctx, key)
	if err != nil {
		return false, err
	}
	s.track(ctx, user, EventDeleteWorkflow, workflowProps(record, user))
	return deleted, nil
}

// Move transfers the workflow into another workspace. An empty workspaceKey
// makes it a personal workflow of its owner.
func (s *WorkflowService) Move(ctx context.Context, user models.User, key, workspaceKey string) error {
	record, err := s.fetchWorkflowAndCheckPermission(ctx, key, user.Subject)
	if err != nil {
		return err
	}
	if workspaceKey != "" {
		if err := s.checkWorkspacePermission(ctx, workspaceKey, user.Subject); err != nil {
			return err
		}
	}
	if err := s.store.MoveWorkflow(ctx, key, workspaceKey); err != nil {
		return err
	}
	record.WorkspaceKey = workspaceKey
	// Runtime tokens carry the workspace, so the runtime restarts with the new owner.
	s.runtimes.Load(record)
	s.track(ctx, user, EventMoveWorkflow, workflowProps(record, user))
	return nil
}

// List returns the personal workflows of user, or the workflows of a
// workspace user belongs to.
func (s *WorkflowService) List(ctx context.Context, user models.User, workspaceKey string) ([]WorkflowView, error) {
	if workspaceKey != "" {
		if err := s.checkWorkspacePermission(ctx, workspaceKey, user.Subject); err != nil {
			return nil, err
		}
	} else if err := verifyAccountID(user.Subject); err != nil {
		return nil, err
	}
	records, err := s.store.ListWorkflows(ctx, repository.WorkflowFilter{
		UserAccountID: user.Subject,
		WorkspaceKey:  workspaceKey,
	})
	if err != nil {
		return nil, err
	}
	views := make([]WorkflowView, 0, len(records))
	for _, record := range records {
		state := models.WorkflowStateOff
		if record.Enabled {
			state = models.WorkflowStateOn
		}
		views = append(views, WorkflowView{WorkflowRecord: record, State: state})
	}
	return views, nil
}

// Executions lists the executions of a workflow, newest first.
func (s *WorkflowService) Executions(ctx context.Context, user models.User, key string, query repository.ExecutionQuery) ([]models.ExecutionSummary, error) {
	if _, err := s.fetchWorkflowAndCheckPermission(ctx, key, user.Subject); err != nil {
		return nil, err
	}
	if query.Limit <= 0 {
		query.Limit = repository.DefaultExecutionLimit
	}
	return s.store.ListExecutions(ctx, key, query)
}

// ExecutionLog returns the step records of one execution.
func (s *WorkflowService) ExecutionLog(ctx context.Context, user models.User, executionID string) ([]models.ExecutionLog, error) {
	logs, err := s.store.GetExecutionLog(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return logs, nil
	}
	if _, err := s.fetchWorkflowAndCheckPermission(ctx, logs[0].WorkflowKey, user.Subject); err != nil {
		return nil, err
	}
	return logs, nil
}

// TestAction runs one action in dry-run mode on behalf of user.
func (s *WorkflowService) TestAction(ctx context.Context, user models.User, req TestActionRequest) (any, error) {
	if req.Step.Connector == "" || req.Step.Operation == "" {
		return nil, fmt.Errorf("%w: step needs connector and operation", ErrInvalidParams)
	}
	env := req.Environment
	if env == "" {
		env = models.EnvironmentProduction
	}
	s.track(ctx, user, EventTestAction, map[string]any{
		"connector":   req.Step.Connector,
		"action":      req.Step.Operation,
		"environment": env,
	})
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	return s.actions.RunSingle(ctx, req.Step, input, true, env, user)
}

// LoadAll starts a runtime for every enabled workflow in the store.
func (s *WorkflowService) LoadAll(ctx context.Context) (int, error) {
	records, err := s.store.ListEnabledWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, record := range records {
		s.runtimes.Load(record)
	}
	s.log.Info("workflows loaded", "count", len(records))
	return len(records), nil
}

// MigrateAllCredentials rewrites legacy credentials in every stored workflow.
// It returns the number of workflows changed.
func (s *WorkflowService) MigrateAllCredentials(ctx context.Context) (int, error) {
	records, err := s.store.ListAllWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, record := range records {
		if !MigrateCredentials(&record.Workflow) {
			continue
		}
		if err := s.store.UpdateWorkflow(ctx, record.Key, record.Workflow, record.Enabled); err != nil {
			return migrated, fmt.Errorf("workflow %s: %w", record.Key, err)
		}
		migrated++
		s.log.Info("migrated workflow credentials", "workflow", record.Key)
	}
	return migrated, nil
}

func (s *WorkflowService) checkWorkspacePermission(ctx context.Context, workspaceKey, accountID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceKey)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("workspace not found: %s: %w", workspaceKey, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !ws.HasMember(accountID) {
		return fmt.Errorf("no permission in workspace: %s: %w", workspaceKey, ErrPermission)
	}
	return nil
}

func (s *WorkflowService) fetchWorkflowAndCheckPermission(ctx context.Context, key, accountID string) (*models.WorkflowRecord, error) {
	record, err := s.store.GetWorkflow(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("workflow not found: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if record.WorkspaceKey != "" {
		if err := s.checkWorkspacePermission(ctx, record.WorkspaceKey, accountID); err != nil {
			return nil, err
		}
	} else if record.UserAccountID != accountID {
		return nil, fmt.Errorf("user has no permission to change the workflow: %w", ErrPermission)
	}
	return record, nil
}

func (s *WorkflowService) track(ctx context.Context, user models.User, event string, props map[string]any) {
	if s.tracker == nil {
		return
	}
	s.tracker.Track(ctx, user.Subject, event, props)
}

func workflowProps(record *models.WorkflowRecord, user models.User) map[string]any {
	source := record.Workflow.Source
	if source == "" {
		source = "unknown"
	}
	triggers := []string{record.Workflow.Trigger.Ref()}
	actions := make([]string, 0, len(record.Workflow.Actions))
	for _, a := range record.Workflow.Actions {
		actions = append(actions, a.Ref())
	}
	return map[string]any{
		"workflow":  record.Key,
		"workspace": record.WorkspaceKey,
		"role":      user.Role,
		"source":    source,
		"title":     record.Workflow.Title,
		"enabled":   record.Enabled,
		"triggers":  triggers,
		"actions":   actions,
	}
}
