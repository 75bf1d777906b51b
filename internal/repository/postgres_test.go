package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"nexus-orchestrator/backend/pkg/models"
)

func newTestRepository(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	repo, err := Connect(ctx, connStr, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(repo.Close)

	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func testWorkflow(title string) models.WorkflowSchema {
	return models.WorkflowSchema{
		Title:   title,
		Trigger: models.OperationSchema{Connector: "clock", Operation: "tick", Input: map[string]any{"interval": "1000"}},
		Actions: []models.OperationSchema{{Connector: "chat", Operation: "send", Input: map[string]any{"message": "{{trigger.time}}"}}},
	}
}

func TestPostgresRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	account := "eip155:1:0x0000000000000000000000000000000000000001"

	t.Run("Migrate is idempotent", func(t *testing.T) {
		require.NoError(t, repo.Migrate(ctx))
		require.NoError(t, repo.Ping(ctx))
	})

	t.Run("Workflow lifecycle", func(t *testing.T) {
		key := uuid.New().String()
		record := &models.WorkflowRecord{Key: key, UserAccountID: account, Workflow: testWorkflow("first"), Enabled: true}
		require.NoError(t, repo.CreateWorkflow(ctx, record))
		assert.ErrorIs(t, repo.CreateWorkflow(ctx, record), ErrConflict)

		got, err := repo.GetWorkflow(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, record.Workflow, got.Workflow)
		assert.Equal(t, "", got.WorkspaceKey)
		assert.True(t, got.Enabled)

		updated := testWorkflow("second")
		updated.State = models.WorkflowStateOff
		require.NoError(t, repo.UpdateWorkflow(ctx, key, updated, false))
		got, err = repo.GetWorkflow(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "second", got.Workflow.Title)
		assert.False(t, got.Enabled)

		enabled, err := repo.ListEnabledWorkflows(ctx)
		require.NoError(t, err)
		for _, w := range enabled {
			assert.NotEqual(t, key, w.Key)
		}

		_, err = repo.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.UpdateWorkflow(ctx, "missing", updated, true), ErrNotFound)
	})

	t.Run("Personal and workspace listings", func(t *testing.T) {
		owner := "eip155:1:0x0000000000000000000000000000000000000002"
		ws := &models.Workspace{Key: "ws-" + uuid.New().String(), Title: "Team", Creator: owner, Admins: []string{owner}}
		require.NoError(t, repo.CreateWorkspace(ctx, ws))
		assert.ErrorIs(t, repo.CreateWorkspace(ctx, ws), ErrConflict)

		gotWS, err := repo.GetWorkspace(ctx, ws.Key)
		require.NoError(t, err)
		assert.True(t, gotWS.HasMember(owner))
		assert.Empty(t, gotWS.Users)
		_, err = repo.GetWorkspace(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		personal := &models.WorkflowRecord{Key: uuid.New().String(), UserAccountID: owner, Workflow: testWorkflow("personal"), Enabled: true}
		shared := &models.WorkflowRecord{Key: uuid.New().String(), UserAccountID: owner, WorkspaceKey: ws.Key, Workflow: testWorkflow("shared"), Enabled: true}
		require.NoError(t, repo.CreateWorkflow(ctx, personal))
		require.NoError(t, repo.CreateWorkflow(ctx, shared))

		list, err := repo.ListWorkflows(ctx, WorkflowFilter{UserAccountID: owner})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, personal.Key, list[0].Key)

		list, err = repo.ListWorkflows(ctx, WorkflowFilter{WorkspaceKey: ws.Key})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, shared.Key, list[0].Key)

		require.NoError(t, repo.MoveWorkflow(ctx, shared.Key, ""))
		list, err = repo.ListWorkflows(ctx, WorkflowFilter{UserAccountID: owner})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("Execution logs", func(t *testing.T) {
		key := uuid.New().String()
		base := time.Now().UTC().Truncate(time.Millisecond)
		first, second := uuid.New().String(), uuid.New().String()

		for _, log := range []*models.ExecutionLog{
			{WorkflowKey: key, SessionID: "s", ExecutionID: first, StepIndex: -1, Input: map[string]any{"a": "b"}, StartedAt: base, EndedAt: &base},
			{WorkflowKey: key, SessionID: "s", ExecutionID: first, StepIndex: 0, Input: map[string]any{"n": float64(1)}, StartedAt: base.Add(time.Second)},
			{WorkflowKey: key, SessionID: "s", ExecutionID: second, StepIndex: -1, Input: "payload", StartedAt: base.Add(time.Minute)},
			{WorkflowKey: key, SessionID: "s", ExecutionID: models.NilUUID, StepIndex: -1, Error: "setup failed", StartedAt: base.Add(-time.Minute)},
		} {
			require.NoError(t, repo.InsertExecutionLog(ctx, log))
		}

		require.NoError(t, repo.UpdateExecutionLog(ctx, first, 0, models.ExecutionLogUpdate{Output: map[string]any{"ok": true}, EndedAt: base.Add(2 * time.Second)}))
		assert.ErrorIs(t, repo.UpdateExecutionLog(ctx, "missing", 0, models.ExecutionLogUpdate{Error: "x"}), ErrNotFound)

		executions, err := repo.ListExecutions(ctx, key, ExecutionQuery{})
		require.NoError(t, err)
		require.Len(t, executions, 3)
		assert.Equal(t, second, executions[0].ExecutionID)
		assert.Equal(t, first, executions[1].ExecutionID)
		assert.True(t, base.Equal(executions[1].StartedAt))
		assert.Equal(t, models.NilUUID, executions[2].ExecutionID)

		executions, err = repo.ListExecutions(ctx, key, ExecutionQuery{Since: base, Limit: 1})
		require.NoError(t, err)
		require.Len(t, executions, 1)
		assert.Equal(t, second, executions[0].ExecutionID)

		executions, err = repo.ListExecutions(ctx, key, ExecutionQuery{Since: base, Until: base.Add(30 * time.Second)})
		require.NoError(t, err)
		require.Len(t, executions, 1)
		assert.Equal(t, first, executions[0].ExecutionID)

		logs, err := repo.GetExecutionLog(ctx, first)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, -1, logs[0].StepIndex)
		assert.Equal(t, map[string]any{"a": "b"}, logs[0].Input)
		assert.Equal(t, map[string]any{"ok": true}, logs[1].Output)
		require.NotNil(t, logs[1].EndedAt)
		assert.True(t, base.Add(2*time.Second).Equal(*logs[1].EndedAt))
		assert.Empty(t, logs[1].Error)

		logs, err = repo.GetExecutionLog(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("States", func(t *testing.T) {
		key := uuid.New().String()

		value, err := repo.GetState(ctx, key, models.TriggerStepIndex, "cursor")
		require.NoError(t, err)
		assert.Nil(t, value)

		require.NoError(t, repo.SetState(ctx, key, models.TriggerStepIndex, "cursor", json.RawMessage(`{"block":1}`)))
		require.NoError(t, repo.SetState(ctx, key, models.TriggerStepIndex, "cursor", json.RawMessage(`{"block":2}`)))
		require.NoError(t, repo.SetState(ctx, key, models.TriggerStepIndex, "seen", json.RawMessage(`["a"]`)))
		require.NoError(t, repo.SetState(ctx, key, 0, "other", json.RawMessage(`true`)))

		value, err = repo.GetState(ctx, key, models.TriggerStepIndex, "cursor")
		require.NoError(t, err)
		assert.JSONEq(t, `{"block":2}`, string(value))

		states, err := repo.ListStates(ctx, key, models.TriggerStepIndex)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.JSONEq(t, `["a"]`, string(states["seen"]))
	})

	t.Run("Delete cascades", func(t *testing.T) {
		key := uuid.New().String()
		require.NoError(t, repo.CreateWorkflow(ctx, &models.WorkflowRecord{Key: key, UserAccountID: account, Workflow: testWorkflow("gone"), Enabled: true}))
		execution := uuid.New().String()
		require.NoError(t, repo.InsertExecutionLog(ctx, &models.ExecutionLog{WorkflowKey: key, SessionID: "s", ExecutionID: execution, StepIndex: -1, StartedAt: time.Now()}))
		require.NoError(t, repo.SetState(ctx, key, models.TriggerStepIndex, "k", json.RawMessage(`1`)))

		deleted, err := repo.DeleteWorkflow(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetWorkflow(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
		logs, err := repo.GetExecutionLog(ctx, execution)
		require.NoError(t, err)
		assert.Empty(t, logs)
		states, err := repo.ListStates(ctx, key, models.TriggerStepIndex)
		require.NoError(t, err)
		assert.Empty(t, states)

		deleted, err = repo.DeleteWorkflow(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
