package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nexus-orchestrator/backend/internal/connector"
	"nexus-orchestrator/backend/internal/jsonrpc"
	"nexus-orchestrator/backend/internal/logging"
	"nexus-orchestrator/backend/pkg/models"
)

// Close codes sent on the trigger channel.
const (
	CloseSetupFailed     = 3001
	CloseKeepAliveFailed = 3002
	ClosePingTimeout     = 3003
)

// HaltMessage is recorded when trigger setup has failed too often.
const HaltMessage = "Too many attempts to setup signal, the workflow is halted"

// Options tunes the timing of a Runtime. Zero values take the defaults.
type Options struct {
	KeepAliveInterval time.Duration
	BackoffBase       time.Duration
	// BackoffJitter is the upper bound of the random delay added to each backoff.
	BackoffJitter   time.Duration
	RetryDelay      time.Duration
	StabilityWindow time.Duration
	PingTimeout     time.Duration
	PingWatchdog    time.Duration
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the runtime halts.
	MaxAttempts int
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		KeepAliveInterval: 60 * time.Second,
		BackoffBase:       100 * time.Millisecond,
		BackoffJitter:     time.Second,
		RetryDelay:        time.Second,
		StabilityWindow:   60 * time.Second,
		PingTimeout:       jsonrpc.DefaultRequestTimeout,
		PingWatchdog:      120 * time.Second,
		MaxAttempts:       10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffJitter < 0 {
		o.BackoffJitter = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = d.StabilityWindow
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	if o.PingWatchdog <= 0 {
		o.PingWatchdog = d.PingWatchdog
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}

// Deps are the collaborators shared by all runtimes.
type Deps struct {
	Resolver SchemaResolver
	Logs     ExecutionLogStore
	States   StateStore
	Dial     ChannelFactory
	Actions  *ActionRunner
	Signer   TokenSigner
	Tracker  Tracker
	Reporter ErrorReporter
	Logger   *logging.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Tracker == nil {
		d.Tracker = nopTracker{}
	}
	if d.Reporter == nil {
		d.Reporter = nopReporter{}
	}
	if d.Actions == nil {
		d.Actions = NewActionRunner(d.Resolver, d.Dial, d.Signer, d.Logger)
	}
	return d
}

// RuntimeState is the externally visible state of a Runtime.
type RuntimeState string

const (
	StateStopped    RuntimeState = "stopped"
	StateConnecting RuntimeState = "connecting"
	StateActive     RuntimeState = "active"
	StateHalted     RuntimeState = "halted"
)

// Runtime keeps the trigger of one workflow subscribed and runs its action
// chain for every signal.
//
// Every Start opens a new epoch with its own context. Stop cancels it, so
// timers and retries scheduled before a Stop never touch the next epoch.
// version additionally invalidates setup attempts within one epoch.
type Runtime struct {
	key       string
	workflow  models.WorkflowSchema
	accountID string
	owner     models.User
	env       string
	deps      Deps
	opts      Options
	log       *logging.Logger

	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	running          bool
	halted           bool
	version          int
	startCount       int
	trigger          Channel
	keepAliveRunning bool
	setupRunning     bool
	setupRequested   bool

	wg sync.WaitGroup
}

// NewRuntime creates a stopped runtime for record.
func NewRuntime(record *models.WorkflowRecord, deps Deps, opts Options) *Runtime {
	deps = deps.withDefaults()
	return &Runtime{
		key:       record.Key,
		workflow:  record.Workflow,
		accountID: record.UserAccountID,
		owner:     record.Owner(),
		env:       models.WorkflowEnvironment(record.Key),
		deps:      deps,
		opts:      opts.withDefaults(),
		log:       deps.Logger.With("workflow", record.Key),
		ctx:       context.Background(),
	}
}

// Key returns the workflow key.
func (r *Runtime) Key() string {
	return r.key
}

// Start subscribes to the trigger in the background. It is a no-op while the
// runtime is running.
func (r *Runtime) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.halted = false
	r.version++
	r.startCount = 0
	r.ctx, r.cancel = context.WithCancel(context.Background())
	ctx := r.ctx
	r.mu.Unlock()

	r.log.Debug("starting")
	r.spawn(func() { r.setupTrigger(ctx) })
}

// Stop closes the trigger channel and cancels every pending retry, timer and
// keep-alive iteration. Runs already in progress finish on their own.
func (r *Runtime) Stop() {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	r.version++
	ch := r.trigger
	r.trigger = nil
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close(websocket.CloseNormalClosure, "workflow stopped")
	}
	if wasRunning {
		r.log.Debug("stopped")
	}
}

// State reports the current lifecycle state.
func (r *Runtime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.halted:
		return StateHalted
	case !r.running:
		return StateStopped
	case r.trigger != nil && r.trigger.IsOpen() && !r.setupRunning:
		return StateActive
	default:
		return StateConnecting
	}
}

// Wait blocks until all background work of the runtime has finished or ctx
// is done. Call it after Stop.
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runtime) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(r.opts.BackoffBase) * math.Pow(2, float64(attempt)))
	if r.opts.BackoffJitter > 0 {
		wait += time.Duration(rand.Int64N(int64(r.opts.BackoffJitter)))
	}
	return wait
}

// setupTrigger runs setup attempts until one succeeds, the runtime halts or
// the epoch ends. Only one loop runs at a time; a call made while one is
// active asks it for another pass.
func (r *Runtime) setupTrigger(ctx context.Context) {
	r.mu.Lock()
	if r.setupRunning {
		r.setupRequested = true
		r.mu.Unlock()
		return
	}
	r.setupRunning = true
	r.mu.Unlock()

	for {
		retry := r.attemptSetup(ctx)
		if retry && sleep(ctx, r.opts.RetryDelay) {
			continue
		}
		r.mu.Lock()
		if r.setupRequested && r.running {
			r.setupRequested = false
			ctx = r.ctx
			r.mu.Unlock()
			continue
		}
		r.setupRunning = false
		r.setupRequested = false
		r.mu.Unlock()
		return
	}
}

// attemptSetup makes one setup attempt and reports whether it should be
// retried.
func (r *Runtime) attemptSetup(ctx context.Context) bool {
	r.mu.Lock()
	r.version++
	version := r.version
	r.setupRequested = false
	if r.startCount > r.opts.MaxAttempts {
		r.mu.Unlock()
		r.halt(ctx)
		return false
	}
	r.startCount++
	attempt := r.startCount
	r.mu.Unlock()

	wait := r.backoff(attempt)
	if attempt > 1 {
		r.log.Info("retrying trigger setup", "attempt", attempt, "wait", wait.String())
	}
	if !sleep(ctx, wait) {
		return false
	}

	r.mu.Lock()
	if !r.running || r.version != version {
		r.mu.Unlock()
		return false
	}
	startCount := r.startCount
	r.mu.Unlock()

	sessionID := uuid.NewString()
	ch, err := r.openTrigger(ctx, sessionID, version)
	if errors.Is(err, errStale) {
		return false
	}
	if err != nil {
		return r.setupFailed(ctx, sessionID, ch, err)
	}

	r.log.Debug("started trigger", "trigger", r.workflow.Trigger.Ref(), "session", sessionID)
	r.spawn(func() { r.keepAlive(ctx) })
	r.spawn(func() {
		if !sleep(ctx, r.opts.StabilityWindow) {
			return
		}
		r.mu.Lock()
		if r.startCount == startCount && r.version == version {
			r.startCount = 0
		}
		r.mu.Unlock()
	})
	return false
}

type setupSignalRequest struct {
	Key            string                     `json:"key"`
	SessionID      string                     `json:"sessionId"`
	CdsName        string                     `json:"cdsName"`
	Credentials    any                        `json:"credentials,omitempty"`
	Authentication string                     `json:"authentication,omitempty"`
	InitStates     map[string]json.RawMessage `json:"initStates"`
	Fields         map[string]any             `json:"fields"`
}

// openTrigger resolves the trigger operation, opens its channel and sends
// setupSignal. The returned channel is non-nil whenever one was opened.
func (r *Runtime) openTrigger(ctx context.Context, sessionID string, version int) (Channel, error) {
	step := r.workflow.Trigger
	schema, err := r.deps.Resolver.Get(ctx, step.Connector, r.env)
	if err != nil {
		return nil, err
	}
	trigger, ok := schema.Trigger(step.Operation)
	if !ok || trigger.Operation.Operation == nil {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, step.Ref())
	}
	fields, err := SanitizeInput(step.Input, trigger.Operation.Fields())
	if err != nil {
		return nil, err
	}
	key := trigger.Key
	op := trigger.Operation.Operation

	if event, ok := op.(models.BlockchainEventOperation); ok {
		web3, err := r.deps.Resolver.Get(ctx, connector.Web3ConnectorKey, r.env)
		if err != nil {
			return nil, fmt.Errorf("web3 connector not found: %w", err)
		}
		web3Trigger, ok := web3.Trigger(connector.Web3NewEvent)
		if !ok || web3Trigger.Operation.Operation == nil {
			return nil, fmt.Errorf("%w: web3 trigger not found", ErrTriggerNotFound)
		}
		fields = map[string]any{
			"chain":            valueOr(fields[fieldChain], defaultChain),
			"contractAddress":  fields[fieldContractAddress],
			"eventDeclaration": event.Signature,
			"parameterFilters": fields,
		}
		key = web3Trigger.Key
		op = web3Trigger.Operation.Operation
	}

	if op.UserTokenRequired() {
		token, err := r.deps.Signer.Sign(r.owner, userTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("sign user token: %w", err)
		}
		fields[UserTokenField] = token
	}

	var url string
	switch o := op.(type) {
	case models.PollingOperation:
		url = o.Operation.URL
		if !websocketURL.MatchString(url) {
			return nil, fmt.Errorf("%w: unsupported polling URL %s", ErrInvalidTriggerType, url)
		}
	case models.HookOperation:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, o.Type())
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTriggerType, op.Type())
	}

	initStates, err := r.deps.States.ListStates(ctx, r.key, models.TriggerStepIndex)
	if err != nil {
		return nil, fmt.Errorf("load trigger states: %w", err)
	}
	if initStates == nil {
		initStates = map[string]json.RawMessage{}
	}

	r.log.Info("starting polling", "session", sessionID, "url", url)
	ch := r.deps.Dial(url)
	ch.AddMethod("notifySignal", r.handleNotifySignal)
	ch.AddMethod("getState", r.handleGetState)
	ch.AddMethod("setState", r.handleSetState)
	ch.OnClose(func(code int, reason string) { r.onTriggerClosed(ctx, ch, code, reason) })

	r.mu.Lock()
	if !r.running || r.version != version {
		r.mu.Unlock()
		_ = ch.Close(websocket.CloseNormalClosure, "superseded")
		return nil, errStale
	}
	prev := r.trigger
	r.trigger = ch
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close(websocket.CloseNormalClosure, "replaced")
	}

	req := setupSignalRequest{
		Key:            key,
		SessionID:      sessionID,
		CdsName:        step.Connector,
		Credentials:    step.Credentials,
		Authentication: step.Authentication,
		InitStates:     initStates,
		Fields:         fields,
	}
	if err := ch.Request(ctx, "setupSignal", req, nil); err != nil {
		return ch, err
	}
	return ch, nil
}

// setupFailed records a failed attempt and reports whether to retry.
func (r *Runtime) setupFailed(ctx context.Context, sessionID string, ch Channel, err error) bool {
	r.log.Error("failed to setup signal", "error", err)
	if ch != nil {
		r.mu.Lock()
		if r.trigger == ch {
			r.trigger = nil
		}
		r.mu.Unlock()
		_ = ch.Close(CloseSetupFailed, err.Error())
	}
	if ctx.Err() != nil {
		return false
	}

	now := time.Now()
	record := &models.ExecutionLog{
		WorkflowKey: r.key,
		SessionID:   sessionID,
		ExecutionID: models.NilUUID,
		StepIndex:   models.TriggerStepIndex,
		Input:       map[string]any{},
		Error:       err.Error(),
		StartedAt:   now,
		EndedAt:     &now,
	}
	if insertErr := r.deps.Logs.InsertExecutionLog(ctx, record); insertErr != nil {
		r.log.Error("failed to record trigger setup error", "error", insertErr)
	}
	r.deps.Tracker.Track(ctx, r.accountID, EventTriggerSetupError, map[string]any{"workflow": r.key, "error": err.Error()})
	return true
}

func (r *Runtime) halt(ctx context.Context) {
	r.log.Error(HaltMessage)
	now := time.Now()
	record := &models.ExecutionLog{
		WorkflowKey: r.key,
		SessionID:   models.NilUUID,
		ExecutionID: models.NilUUID,
		StepIndex:   models.TriggerStepIndex,
		Input:       map[string]any{},
		Error:       HaltMessage,
		StartedAt:   now,
		EndedAt:     &now,
	}
	if err := r.deps.Logs.InsertExecutionLog(ctx, record); err != nil {
		r.log.Error("failed to record halt", "error", err)
	}
	r.deps.Tracker.Track(ctx, r.accountID, EventWorkflowHalted, map[string]any{"workflow": r.key})

	r.mu.Lock()
	r.halted = true
	r.mu.Unlock()
	r.Stop()
}

func (r *Runtime) onTriggerClosed(ctx context.Context, ch Channel, code int, reason string) {
	r.log.Info("trigger channel closed", "code", code, "reason", reason)
	r.mu.Lock()
	current := ch == r.trigger && r.running
	r.mu.Unlock()
	if !current {
		return
	}
	r.spawn(func() {
		if sleep(ctx, r.opts.RetryDelay) {
			r.setupTrigger(ctx)
		}
	})
}

func (r *Runtime) keepAlive(ctx context.Context) {
	r.mu.Lock()
	if r.keepAliveRunning || !r.running {
		r.mu.Unlock()
		return
	}
	r.keepAliveRunning = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.keepAliveRunning = false
		restart := r.running && ctx.Err() == nil
		r.mu.Unlock()
		if restart {
			r.spawn(func() { r.keepAlive(ctx) })
		}
	}()

	interval := float64(r.opts.KeepAliveInterval)
	for {
		wait := time.Duration(interval*0.9 + rand.Float64()*interval*0.2)
		if !sleep(ctx, wait) {
			return
		}
		r.mu.Lock()
		ch := r.trigger
		r.mu.Unlock()
		if ch == nil || !ch.IsOpen() {
			r.log.Warn("not sending keep alive request because the channel is not open")
			continue
		}
		if err := r.ping(ctx, ch); err != nil {
			r.log.Warn("failed to keep alive", "error", err)
			_ = ch.Close(CloseKeepAliveFailed, "Failed to keep alive")
			return
		}
	}
}

func (r *Runtime) ping(ctx context.Context, ch Channel) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PingTimeout)
	defer cancel()
	watchdog := time.AfterFunc(r.opts.PingWatchdog, func() {
		r.log.Warn("keep alive: ping doesn't return")
		_ = ch.Close(ClosePingTimeout, "ping doesn't return")
	})
	defer watchdog.Stop()
	return ch.Request(ctx, "ping", nil, nil)
}

type notifySignalParams struct {
	Key       string          `json:"key,omitempty"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

func (r *Runtime) handleNotifySignal(_ context.Context, params json.RawMessage) (any, error) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return nil, nil
	}

	var p notifySignalParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.InvalidParams("%v: %v", ErrInvalidPayload, err)
		}
	}
	if len(p.Payload) == 0 || string(p.Payload) == "null" {
		return nil, jsonrpc.InvalidParams("%v", ErrInvalidPayload)
	}
	var payload any
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return nil, jsonrpc.InvalidParams("%v: %v", ErrInvalidPayload, err)
	}

	r.log.Debug("received signal", "session", p.SessionID)
	ctx := context.Background()
	r.deps.Tracker.Track(ctx, r.accountID, EventReceivedSignal, map[string]any{"workflow": r.key})
	r.spawn(func() {
		if err := r.runWorkflow(ctx, p.SessionID, payload); err != nil {
			r.log.Error("workflow run failed", "error", err)
			r.deps.Tracker.Track(ctx, r.accountID, EventWorkflowError, map[string]any{"workflow": r.key})
			r.deps.Reporter.CaptureException(ctx, err)
		}
	})
	return nil, nil
}

type stateKeyParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func decodeStateParams(params json.RawMessage) (stateKeyParams, error) {
	var p stateKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, jsonrpc.InvalidParams("invalid state params: %v", err)
	}
	if p.Key == "" {
		return p, jsonrpc.InvalidParams("key is required")
	}
	return p, nil
}

func (r *Runtime) handleGetState(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeStateParams(params)
	if err != nil {
		return nil, err
	}
	value, err := r.deps.States.GetState(ctx, r.key, models.TriggerStepIndex, p.Key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return value, nil
}

func (r *Runtime) handleSetState(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeStateParams(params)
	if err != nil {
		return nil, err
	}
	value := p.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if err := r.deps.States.SetState(ctx, r.key, models.TriggerStepIndex, p.Key, value); err != nil {
		return nil, err
	}
	return true, nil
}

// runWorkflow executes the action chain for one signal. Steps run strictly in
// order and the first failing step ends the run.
func (r *Runtime) runWorkflow(ctx context.Context, sessionID string, payload any) error {
	executionID := uuid.NewString()
	now := time.Now()
	err := r.deps.Logs.InsertExecutionLog(ctx, &models.ExecutionLog{
		WorkflowKey: r.key,
		SessionID:   sessionID,
		ExecutionID: executionID,
		StepIndex:   models.TriggerStepIndex,
		Input:       map[string]any{},
		Output:      payload,
		StartedAt:   now,
		EndedAt:     &now,
	})
	if err != nil {
		return fmt.Errorf("record trigger payload: %w", err)
	}

	runContext := map[string]any{"trigger": payload}
	for index, step := range r.workflow.Actions {
		r.log.Debug("running step", "index", index, "step", step.Ref(), "executionId", executionID)

		action, actionErr := r.resolveAction(ctx, step)
		var fields []models.FieldSchema
		if action != nil {
			fields = action.Operation.Fields()
		}
		interpolated := ReplaceTokensMap(step.Input, runContext)
		input, inputErr := SanitizeInput(interpolated, fields)
		var logInput any = input
		if inputErr != nil {
			logInput = interpolated
		}

		stepErr := errors.Join(actionErr, inputErr)
		record := &models.ExecutionLog{
			WorkflowKey: r.key,
			SessionID:   sessionID,
			ExecutionID: executionID,
			StepIndex:   index,
			Input:       logInput,
			StartedAt:   time.Now(),
		}
		if stepErr != nil {
			record.Error = stepErr.Error()
		}
		if err := r.deps.Logs.InsertExecutionLog(ctx, record); err != nil {
			return fmt.Errorf("record step %d: %w", index, err)
		}
		if actionErr != nil {
			return fmt.Errorf("step %d: %w", index, actionErr)
		}
		if inputErr != nil {
			r.log.Debug("step input rejected", "index", index, "error", inputErr)
			return nil
		}

		output, err := r.deps.Actions.Run(ctx, ActionRequest{
			Action:      action,
			Input:       input,
			Step:        step,
			SessionID:   sessionID,
			ExecutionID: executionID,
			Environment: r.env,
			User:        r.owner,
		})
		if err != nil {
			r.log.Debug("failed step", "index", index, "error", err)
			r.deps.Tracker.Track(ctx, r.accountID, EventStepError, map[string]any{"workflow": r.key, "index": index, "error": err.Error()})
			update := models.ExecutionLogUpdate{Error: err.Error(), EndedAt: time.Now()}
			if err := r.deps.Logs.UpdateExecutionLog(ctx, executionID, index, update); err != nil {
				r.log.Error("failed to record step error", "index", index, "error", err)
			}
			return nil
		}

		r.deps.Tracker.Track(ctx, r.accountID, EventStepComplete, map[string]any{"workflow": r.key, "index": index})
		runContext[fmt.Sprintf("step%d", index)] = output
		update := models.ExecutionLogUpdate{Output: output, EndedAt: time.Now()}
		if err := r.deps.Logs.UpdateExecutionLog(ctx, executionID, index, update); err != nil {
			return fmt.Errorf("record step %d output: %w", index, err)
		}
	}

	r.deps.Tracker.Track(ctx, r.accountID, EventWorkflowComplete, map[string]any{"workflow": r.key})
	r.log.Debug("completed", "executionId", executionID)
	return nil
}

func (r *Runtime) resolveAction(ctx context.Context, step models.OperationSchema) (*models.ActionDefinition, error) {
	schema, err := r.deps.Resolver.Get(ctx, step.Connector, r.env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAction, step.Ref(), err)
	}
	action, ok := schema.Action(step.Operation)
	if !ok || action.Operation.Operation == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, step.Ref())
	}
	return action, nil
}
