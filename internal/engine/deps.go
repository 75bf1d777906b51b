package engine

import (
	"context"
	"encoding/json"
	"time"

	"nexus-orchestrator/backend/internal/jsonrpc"
	"nexus-orchestrator/backend/internal/logging"
	"nexus-orchestrator/backend/pkg/models"
)

// Channel is a bidirectional RPC connection to a connector endpoint.
// *jsonrpc.Conn implements it.
type Channel interface {
	Request(ctx context.Context, method string, params, result any) error
	AddMethod(name string, h jsonrpc.Handler)
	OnClose(fn func(code int, reason string))
	IsOpen() bool
	Close(code int, reason string) error
}

// ChannelFactory opens a channel to url. It must not block on the connection.
type ChannelFactory func(url string) Channel

// DialChannel returns a ChannelFactory backed by jsonrpc.Dial. opts apply
// to every channel it opens.
func DialChannel(log *logging.Logger, opts ...jsonrpc.Option) ChannelFactory {
	opts = append([]jsonrpc.Option{jsonrpc.WithLogger(log)}, opts...)
	return func(url string) Channel {
		return jsonrpc.Dial(url, opts...)
	}
}

// SchemaResolver returns connector schemas.
type SchemaResolver interface {
	Get(ctx context.Context, id, env string) (*models.ConnectorSchema, error)
}

// ExecutionLogStore persists step records.
type ExecutionLogStore interface {
	InsertExecutionLog(ctx context.Context, log *models.ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, executionID string, stepIndex int, update models.ExecutionLogUpdate) error
}

// StateStore persists values on behalf of trigger connectors. GetState
// returns nil when the key has no value.
type StateStore interface {
	GetState(ctx context.Context, workflowKey string, stepIndex int, stateKey string) (json.RawMessage, error)
	SetState(ctx context.Context, workflowKey string, stepIndex int, stateKey string, value json.RawMessage) error
	ListStates(ctx context.Context, workflowKey string, stepIndex int) (map[string]json.RawMessage, error)
}

// Tracker records product analytics events.
type Tracker interface {
	Track(ctx context.Context, accountID, event string, props map[string]any)
}

// ErrorReporter receives failures that escape a workflow run.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error)
}

// TokenSigner issues short lived access tokens for connectors acting on
// behalf of a user.
type TokenSigner interface {
	Sign(user models.User, ttl time.Duration) (string, error)
}

// Tracking event names.
const (
	EventReceivedSignal    = "Received Signal"
	EventWorkflowError     = "Workflow Error"
	EventStepError         = "Workflow Step Error"
	EventStepComplete      = "Workflow Step Complete"
	EventWorkflowComplete  = "Workflow Complete"
	EventTriggerSetupError = "Workflow Trigger Setup Error"
	EventWorkflowHalted    = "Workflow Halted After Too Many Trigger Failures"
)

type nopTracker struct{}

func (nopTracker) Track(context.Context, string, string, map[string]any) {}

type nopReporter struct{}

func (nopReporter) CaptureException(context.Context, error) {}
