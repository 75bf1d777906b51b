package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/pkg/models"
)

const (
	alice = "eip155:1:0x1111111111111111111111111111111111111111"
	bob   = "eip155:1:0x2222222222222222222222222222222222222222"
)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockStore) GetWorkflow(ctx context.Context, key string) (*models.WorkflowRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowRecord), args.Error(1)
}

func (m *MockStore) UpdateWorkflow(ctx context.Context, key string, workflow models.WorkflowSchema, enabled bool) error {
	return m.Called(ctx, key, workflow, enabled).Error(0)
}

func (m *MockStore) MoveWorkflow(ctx context.Context, key, workspaceKey string) error {
	return m.Called(ctx, key, workspaceKey).Error(0)
}

func (m *MockStore) DeleteWorkflow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]*models.WorkflowRecord, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*models.WorkflowRecord), args.Error(1)
}

func (m *MockStore) ListEnabledWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*models.WorkflowRecord), args.Error(1)
}

func (m *MockStore) ListAllWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*models.WorkflowRecord), args.Error(1)
}

func (m *MockStore) InsertExecutionLog(ctx context.Context, log *models.ExecutionLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockStore) UpdateExecutionLog(ctx context.Context, executionID string, stepIndex int, update models.ExecutionLogUpdate) error {
	return m.Called(ctx, executionID, stepIndex, update).Error(0)
}

func (m *MockStore) ListExecutions(ctx context.Context, workflowKey string, query repository.ExecutionQuery) ([]models.ExecutionSummary, error) {
	args := m.Called(ctx, workflowKey, query)
	return args.Get(0).([]models.ExecutionSummary), args.Error(1)
}

func (m *MockStore) GetExecutionLog(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	args := m.Called(ctx, executionID)
	return args.Get(0).([]models.ExecutionLog), args.Error(1)
}

func (m *MockStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	return m.Called(ctx, ws).Error(0)
}

func (m *MockStore) GetWorkspace(ctx context.Context, key string) (*models.Workspace, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workspace), args.Error(1)
}

type MockRuntimes struct {
	mock.Mock
}

func (m *MockRuntimes) Load(record *models.WorkflowRecord) {
	m.Called(record)
}

func (m *MockRuntimes) Stop(key string) bool {
	return m.Called(key).Bool(0)
}

type MockActions struct {
	mock.Mock
}

func (m *MockActions) RunSingle(ctx context.Context, step models.OperationSchema, input map[string]any, dryRun bool, env string, user models.User) (any, error) {
	args := m.Called(ctx, step, input, dryRun, env, user)
	return args.Get(0), args.Error(1)
}

type recordedEvent struct {
	account string
	event   string
	props   map[string]any
}

type fakeTracker struct {
	events []recordedEvent
}

func (t *fakeTracker) Track(_ context.Context, accountID, event string, props map[string]any) {
	t.events = append(t.events, recordedEvent{account: accountID, event: event, props: props})
}

type fixture struct {
	store    *MockStore
	runtimes *MockRuntimes
	actions  *MockActions
	tracker  *fakeTracker
	svc      *WorkflowService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    new(MockStore),
		runtimes: new(MockRuntimes),
		actions:  new(MockActions),
		tracker:  &fakeTracker{},
	}
	svc, err := NewWorkflowService(f.store, f.runtimes, f.actions, f.tracker, nil)
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() {
		f.store.AssertExpectations(t)
		f.runtimes.AssertExpectations(t)
		f.actions.AssertExpectations(t)
	})
	return f
}

func sampleWorkflow() models.WorkflowSchema {
	return models.WorkflowSchema{
		Title:   "Notify on transfer",
		Trigger: models.OperationSchema{Connector: "evmWallet", Operation: "transfer"},
		Actions: []models.OperationSchema{
			{Connector: "discord", Operation: "sendMessage", Input: map[string]any{"text": "{{trigger.value}}"}},
		},
		State:  models.WorkflowStateOn,
		Source: "urn:grindery:web",
	}
}

func team() *models.Workspace {
	return &models.Workspace{Key: "ws-team", Admins: []string{alice}, Users: []string{}}
}

func TestWorkflowService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("personal workflow", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("CreateWorkflow", ctx, mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			return r.UserAccountID == alice && r.WorkspaceKey == "" && r.Enabled
		})).Return(nil)
		f.runtimes.On("Load", mock.AnythingOfType("*models.WorkflowRecord")).Return()

		key, err := f.svc.Create(ctx, models.User{Subject: alice}, sampleWorkflow(), "")
		require.NoError(t, err)
		assert.NotEmpty(t, key)
		assert.False(t, strings.HasPrefix(key, models.StagingKeyPrefix))

		require.Len(t, f.tracker.events, 1)
		ev := f.tracker.events[0]
		assert.Equal(t, EventCreateWorkflow, ev.event)
		assert.Equal(t, alice, ev.account)
		assert.Equal(t, key, ev.props["workflow"])
		assert.Equal(t, []string{"evmWallet/transfer"}, ev.props["triggers"])
		assert.Equal(t, []string{"discord/sendMessage"}, ev.props["actions"])
		assert.Equal(t, "urn:grindery:web", ev.props["source"])
	})

	t.Run("staging source gets staging key", func(t *testing.T) {
		f := newFixture(t)
		wf := sampleWorkflow()
		wf.Source = StagingSource + "web"
		f.store.On("CreateWorkflow", ctx, mock.Anything).Return(nil)
		f.runtimes.On("Load", mock.Anything).Return()

		key, err := f.svc.Create(ctx, models.User{Subject: alice}, wf, "")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, models.StagingKeyPrefix))
	})

	t.Run("off workflow is stored disabled", func(t *testing.T) {
		f := newFixture(t)
		wf := sampleWorkflow()
		wf.State = models.WorkflowStateOff
		wf.Source = ""
		f.store.On("CreateWorkflow", ctx, mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			return !r.Enabled
		})).Return(nil)
		f.runtimes.On("Load", mock.Anything).Return()

		_, err := f.svc.Create(ctx, models.User{Subject: alice}, wf, "")
		require.NoError(t, err)
		assert.Equal(t, "unknown", f.tracker.events[0].props["source"])
		assert.Equal(t, false, f.tracker.events[0].props["enabled"])
	})

	t.Run("invalid account id", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Create(ctx, models.User{Subject: "not-an-account"}, sampleWorkflow(), "")
		assert.ErrorIs(t, err, ErrInvalidParams)
		assert.Contains(t, err.Error(), "CAIP-10")
	})

	t.Run("invalid workflow document", func(t *testing.T) {
		f := newFixture(t)
		wf := sampleWorkflow()
		wf.Trigger.Connector = ""
		_, err := f.svc.Create(ctx, models.User{Subject: alice}, wf, "")
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("workspace member", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkspace", ctx, "ws-team").Return(team(), nil)
		f.store.On("CreateWorkflow", ctx, mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			return r.WorkspaceKey == "ws-team"
		})).Return(nil)
		f.runtimes.On("Load", mock.Anything).Return()

		_, err := f.svc.Create(ctx, models.User{Subject: alice}, sampleWorkflow(), "ws-team")
		require.NoError(t, err)
	})

	t.Run("not a workspace member", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkspace", ctx, "ws-team").Return(team(), nil)

		_, err := f.svc.Create(ctx, models.User{Subject: bob}, sampleWorkflow(), "ws-team")
		assert.ErrorIs(t, err, ErrPermission)
		assert.Contains(t, err.Error(), "ws-team")
	})

	t.Run("unknown workspace", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkspace", ctx, "ws-none").Return(nil, fmt.Errorf("workspace ws-none: %w", repository.ErrNotFound))

		_, err := f.svc.Create(ctx, models.User{Subject: alice}, sampleWorkflow(), "ws-none")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "workspace not found")
	})

	t.Run("legacy credentials are migrated", func(t *testing.T) {
		f := newFixture(t)
		wf := sampleWorkflow()
		wf.Actions[0].Credentials = map[string]any{LegacyCredentialTokenField: "cred-1"}
		f.store.On("CreateWorkflow", ctx, mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			a := r.Workflow.Actions[0]
			return a.Authentication == "cred-1" && a.Credentials == nil
		})).Return(nil)
		f.runtimes.On("Load", mock.Anything).Return()

		_, err := f.svc.Create(ctx, models.User{Subject: alice}, wf, "")
		require.NoError(t, err)
	})
}

func TestWorkflowService_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("owner updates and runtime reloads", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)
		wf := sampleWorkflow()
		wf.State = models.WorkflowStateOff
		f.store.On("UpdateWorkflow", ctx, "wf-1", wf, false).Return(nil)
		f.runtimes.On("Load", mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			return r.Key == "wf-1" && !r.Enabled
		})).Return()

		require.NoError(t, f.svc.Update(ctx, models.User{Subject: alice}, "wf-1", wf))
		require.Len(t, f.tracker.events, 1)
		assert.Equal(t, EventUpdateWorkflow, f.tracker.events[0].event)
	})

	t.Run("other user is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)

		err := f.svc.Update(ctx, models.User{Subject: bob}, "wf-1", sampleWorkflow())
		assert.ErrorIs(t, err, ErrPermission)
		assert.Empty(t, f.tracker.events)
	})

	t.Run("missing workflow", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-x").Return(nil, fmt.Errorf("workflow wf-x: %w", repository.ErrNotFound))

		err := f.svc.Update(ctx, models.User{Subject: alice}, "wf-x", sampleWorkflow())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "workflow not found: wf-x")
	})

	t.Run("workspace workflow needs membership", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-2").Return(&models.WorkflowRecord{Key: "wf-2", UserAccountID: alice, WorkspaceKey: "ws-team"}, nil)
		f.store.On("GetWorkspace", ctx, "ws-team").Return(team(), nil)

		err := f.svc.Update(ctx, models.User{Subject: bob}, "wf-2", sampleWorkflow())
		assert.ErrorIs(t, err, ErrPermission)
	})
}

func TestWorkflowService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)
	f.runtimes.On("Stop", "wf-1").Return(true)
	f.store.On("DeleteWorkflow", ctx, "wf-1").Return(true, nil)

	deleted, err := f.svc.Delete(ctx, models.User{Subject: alice}, "wf-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, EventDeleteWorkflow, f.tracker.events[0].event)
}

func TestWorkflowService_Move(t *testing.T) {
	ctx := context.Background()

	t.Run("into workspace", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)
		f.store.On("GetWorkspace", ctx, "ws-team").Return(team(), nil)
		f.store.On("MoveWorkflow", ctx, "wf-1", "ws-team").Return(nil)
		f.runtimes.On("Load", mock.MatchedBy(func(r *models.WorkflowRecord) bool {
			return r.WorkspaceKey == "ws-team"
		})).Return()

		require.NoError(t, f.svc.Move(ctx, models.User{Subject: alice}, "wf-1", "ws-team"))
		assert.Equal(t, EventMoveWorkflow, f.tracker.events[0].event)
		assert.Equal(t, "ws-team", f.tracker.events[0].props["workspace"])
	})

	t.Run("target workspace without membership", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: bob}, nil)
		f.store.On("GetWorkspace", ctx, "ws-team").Return(team(), nil)

		err := f.svc.Move(ctx, models.User{Subject: bob}, "wf-1", "ws-team")
		assert.ErrorIs(t, err, ErrPermission)
	})
}

func TestWorkflowService_List(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.On("ListWorkflows", ctx, repository.WorkflowFilter{UserAccountID: alice}).Return([]*models.WorkflowRecord{
		{Key: "a", Enabled: true},
		{Key: "b", Enabled: false},
	}, nil)

	views, err := f.svc.List(ctx, models.User{Subject: alice}, "")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, models.WorkflowStateOn, views[0].State)
	assert.Equal(t, models.WorkflowStateOff, views[1].State)

	raw, err := json.Marshal(views[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"on"`)
	assert.Contains(t, string(raw), `"key":"a"`)
}

func TestWorkflowService_Executions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)
	f.store.On("ListExecutions", ctx, "wf-1", repository.ExecutionQuery{Limit: repository.DefaultExecutionLimit}).
		Return([]models.ExecutionSummary{{ExecutionID: "e1"}}, nil)

	got, err := f.svc.Executions(ctx, models.User{Subject: alice}, "wf-1", repository.ExecutionQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestWorkflowService_ExecutionLog(t *testing.T) {
	ctx := context.Background()

	t.Run("checks the owning workflow", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetExecutionLog", ctx, "e1").Return([]models.ExecutionLog{{WorkflowKey: "wf-1", ExecutionID: "e1"}}, nil)
		f.store.On("GetWorkflow", ctx, "wf-1").Return(&models.WorkflowRecord{Key: "wf-1", UserAccountID: alice}, nil)

		_, err := f.svc.ExecutionLog(ctx, models.User{Subject: bob}, "e1")
		assert.ErrorIs(t, err, ErrPermission)
	})

	t.Run("empty log", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("GetExecutionLog", ctx, "e2").Return([]models.ExecutionLog{}, nil)

		logs, err := f.svc.ExecutionLog(ctx, models.User{Subject: bob}, "e2")
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestWorkflowService_TestAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := models.User{Subject: alice}
	step := models.OperationSchema{Connector: "discord", Operation: "sendMessage"}
	f.actions.On("RunSingle", ctx, step, map[string]any{}, true, models.EnvironmentProduction, user).
		Return(map[string]any{"ok": true}, nil)

	out, err := f.svc.TestAction(ctx, user, TestActionRequest{Step: step})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	require.Len(t, f.tracker.events, 1)
	assert.Equal(t, EventTestAction, f.tracker.events[0].event)
	assert.Equal(t, "discord", f.tracker.events[0].props["connector"])
	assert.Equal(t, models.EnvironmentProduction, f.tracker.events[0].props["environment"])

	_, err = f.svc.TestAction(ctx, user, TestActionRequest{})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestWorkflowService_LoadAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	records := []*models.WorkflowRecord{{Key: "a", Enabled: true}, {Key: "b", Enabled: true}}
	f.store.On("ListEnabledWorkflows", ctx).Return(records, nil)
	f.runtimes.On("Load", records[0]).Return().Once()
	f.runtimes.On("Load", records[1]).Return().Once()

	n, err := f.svc.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWorkflowService_MigrateAllCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	legacy := sampleWorkflow()
	legacy.Trigger.Credentials = map[string]any{LegacyCredentialTokenField: "tok"}
	f.store.On("ListAllWorkflows", ctx).Return([]*models.WorkflowRecord{
		{Key: "old", Workflow: legacy, Enabled: true},
		{Key: "new", Workflow: sampleWorkflow(), Enabled: true},
	}, nil)
	f.store.On("UpdateWorkflow", ctx, "old", mock.MatchedBy(func(w models.WorkflowSchema) bool {
		return w.Trigger.Authentication == "tok" && w.Trigger.Credentials == nil
	}), true).Return(nil).Once()

	n, err := f.svc.MigrateAllCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
