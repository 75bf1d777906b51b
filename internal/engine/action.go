package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nexus-orchestrator/backend/internal/connector"
	"nexus-orchestrator/backend/internal/logging"
	"nexus-orchestrator/backend/pkg/models"
)

// UserTokenField carries the signed user token to operations that require one.
const UserTokenField = "_grinderyUserToken"

const userTokenTTL = 60 * time.Second

// Input keys that address a contract through the web3 connector.
const (
	fieldChain                = "_grinderyChain"
	fieldContractAddress      = "_grinderyContractAddress"
	fieldMaxFeePerGas         = "_grinderyMaxFeePerGas"
	fieldMaxPriorityFeePerGas = "_grinderyMaxPriorityFeePerGas"
	defaultChain              = "eth"
)

var websocketURL = regexp.MustCompile(`(?i)^wss?://`)

// ActionRequest describes one action invocation.
type ActionRequest struct {
	Action      *models.ActionDefinition
	Input       map[string]any
	Step        models.OperationSchema
	SessionID   string
	ExecutionID string
	DryRun      bool
	Environment string
	User        models.User
}

type runActionRequest struct {
	Key            string         `json:"key"`
	SessionID      string         `json:"sessionId"`
	CdsName        string         `json:"cdsName"`
	ExecutionID    string         `json:"executionId"`
	Credentials    any            `json:"credentials,omitempty"`
	Authentication string         `json:"authentication,omitempty"`
	Fields         map[string]any `json:"fields"`
}

type runActionResponse struct {
	Payload any `json:"payload"`
}

// ActionRunner invokes connector actions, one channel per call.
type ActionRunner struct {
	resolver SchemaResolver
	dial     ChannelFactory
	signer   TokenSigner
	log      *logging.Logger
}

// NewActionRunner creates an ActionRunner.
func NewActionRunner(resolver SchemaResolver, dial ChannelFactory, signer TokenSigner, log *logging.Logger) *ActionRunner {
	if log == nil {
		log = logging.Nop()
	}
	return &ActionRunner{resolver: resolver, dial: dial, signer: signer, log: log}
}

// Run executes the action and returns the payload of its response.
func (r *ActionRunner) Run(ctx context.Context, req ActionRequest) (any, error) {
	if req.Action == nil || req.Action.Operation.Operation == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, req.Step.Ref())
	}
	operationKey := req.Step.Operation
	op := req.Action.Operation.Operation
	input := cloneMap(req.Input)

	if call, ok := op.(models.BlockchainCallOperation); ok {
		web3, err := r.resolver.Get(ctx, connector.Web3ConnectorKey, req.Environment)
		if err != nil {
			return nil, fmt.Errorf("web3 connector not found: %w", err)
		}
		web3Action, ok := web3.Action(connector.Web3CallSmartContract)
		if !ok || web3Action.Operation.Operation == nil {
			return nil, fmt.Errorf("%w: web3 call action not found", ErrInvalidAction)
		}
		input = contractCallInput(call, input)
		op = web3Action.Operation.Operation
		operationKey = connector.Web3CallSmartContract
	}

	if op.UserTokenRequired() {
		token, err := r.signer.Sign(req.User, userTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("sign user token: %w", err)
		}
		input[UserTokenField] = token
	}

	api, ok := op.(models.APIOperation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidActionType, op.Type())
	}
	if !websocketURL.MatchString(api.Operation.URL) {
		return nil, fmt.Errorf("unsupported action URL: %s", api.Operation.URL)
	}

	input["dryRun"] = req.DryRun
	body := runActionRequest{
		Key:            operationKey,
		SessionID:      req.SessionID,
		CdsName:        req.Step.Connector,
		ExecutionID:    req.ExecutionID,
		Credentials:    req.Step.Credentials,
		Authentication: req.Step.Authentication,
		Fields:         input,
	}

	ch := r.dial(api.Operation.URL)
	defer ch.Close(websocket.CloseNormalClosure, "")

	r.log.Debug("sending runAction", "connector", req.Step.Connector, "operation", operationKey, "executionId", req.ExecutionID)
	var resp runActionResponse
	if err := ch.Request(ctx, "runAction", body, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// RunSingle runs one action outside of any workflow, as used to test a step
// interactively.
func (r *ActionRunner) RunSingle(ctx context.Context, step models.OperationSchema, input map[string]any, dryRun bool, env string, user models.User) (any, error) {
	schema, err := r.resolver.Get(ctx, step.Connector, env)
	if err != nil {
		return nil, err
	}
	action, ok := schema.Action(step.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, step.Ref())
	}
	return r.Run(ctx, ActionRequest{
		Action:      action,
		Input:       input,
		Step:        step,
		SessionID:   uuid.NewString(),
		ExecutionID: uuid.NewString(),
		DryRun:      dryRun,
		Environment: env,
		User:        user,
	})
}

func contractCallInput(call models.BlockchainCallOperation, input map[string]any) map[string]any {
	out := map[string]any{
		"chain":               valueOr(input[fieldChain], defaultChain),
		"contractAddress":     input[fieldContractAddress],
		"functionDeclaration": call.Signature,
		"parameters":          input,
	}
	if v, ok := input[fieldMaxFeePerGas]; ok && v != nil {
		out["maxFeePerGas"] = v
	}
	if v, ok := input[fieldMaxPriorityFeePerGas]; ok && v != nil {
		out["maxPriorityFeePerGas"] = v
	}
	return out
}

func valueOr(v any, fallback any) any {
	if v == nil || v == "" {
		return fallback
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
