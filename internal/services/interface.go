package services

import (
	"context"

	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/pkg/models"
)

// Store is the persistence the registry needs.
type Store interface {
	repository.WorkflowStore
	repository.ExecutionLogStore
	repository.WorkspaceStore
}

// Runtimes starts and stops the live runtime of a workflow.
// *engine.Manager implements it.
type Runtimes interface {
	Load(record *models.WorkflowRecord)
	Stop(key string) bool
}

// ActionTester runs a single action outside of a workflow.
// *engine.ActionRunner implements it.
type ActionTester interface {
	RunSingle(ctx context.Context, step models.OperationSchema, input map[string]any, dryRun bool, env string, user models.User) (any, error)
}

// Tracker records product analytics events.
type Tracker interface {
	Track(ctx context.Context, accountID, event string, props map[string]any)
}
