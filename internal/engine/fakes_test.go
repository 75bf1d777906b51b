package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nexus-orchestrator/backend/internal/connector"
	"nexus-orchestrator/backend/internal/jsonrpc"
	"nexus-orchestrator/backend/pkg/models"
)

const (
	triggerURL = "wss://trigger.test"
	actionURL  = "wss://action.test"
	web3URL    = "wss://web3.test"
)

type responder func(url, method string, params json.RawMessage) (any, error)

type fakeRequest struct {
	method string
	params json.RawMessage
}

type fakeChannel struct {
	url     string
	respond responder
	done    chan struct{}

	mu          sync.Mutex
	methods     map[string]jsonrpc.Handler
	onClose     []func(code int, reason string)
	requests    []fakeRequest
	closed      bool
	closeCode   int
	closeReason string
}

func (c *fakeChannel) Request(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w (%s)", jsonrpc.ErrClosed, c.closeReason)
	}
	c.requests = append(c.requests, fakeRequest{method: method, params: raw})
	c.mu.Unlock()

	type reply struct {
		value any
		err   error
	}
	replies := make(chan reply, 1)
	go func() {
		v, err := c.respond(c.url, method, raw)
		replies <- reply{v, err}
	}()
	select {
	case r := <-replies:
		if r.err != nil {
			return r.err
		}
		if result == nil || r.value == nil {
			return nil
		}
		b, err := json.Marshal(r.value)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w (%s)", jsonrpc.ErrClosed, c.reason())
	}
}

func (c *fakeChannel) AddMethod(name string, h jsonrpc.Handler) {
	c.mu.Lock()
	c.methods[name] = h
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	handlers := c.onClose
	c.mu.Unlock()
	close(c.done)
	for _, fn := range handlers {
		go fn(code, reason)
	}
	return nil
}

func (c *fakeChannel) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *fakeChannel) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// call simulates the peer invoking one of the registered methods.
func (c *fakeChannel) call(method string, params any) (any, error) {
	c.mu.Lock()
	h, ok := c.methods[method]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("method %s not registered", method)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return h(context.Background(), raw)
}

func (c *fakeChannel) requestsFor(method string) []fakeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeRequest
	for _, r := range c.requests {
		if r.method == method {
			out = append(out, r)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	respond  responder
	channels []*fakeChannel
}

func newFakeDialer(respond responder) *fakeDialer {
	return &fakeDialer{respond: respond}
}

func (d *fakeDialer) Dial(url string) Channel {
	c := &fakeChannel{
		url:     url,
		respond: d.currentResponder,
		done:    make(chan struct{}),
		methods: make(map[string]jsonrpc.Handler),
	}
	d.mu.Lock()
	d.channels = append(d.channels, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) currentResponder(url, method string, params json.RawMessage) (any, error) {
	d.mu.Lock()
	respond := d.respond
	d.mu.Unlock()
	return respond(url, method, params)
}

func (d *fakeDialer) setResponder(respond responder) {
	d.mu.Lock()
	d.respond = respond
	d.mu.Unlock()
}

func (d *fakeDialer) dialed(url string) []*fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeChannel
	for _, c := range d.channels {
		if c.url == url {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDialer) count(url string) int {
	return len(d.dialed(url))
}

func (d *fakeDialer) last(url string) *fakeChannel {
	chans := d.dialed(url)
	if len(chans) == 0 {
		return nil
	}
	return chans[len(chans)-1]
}

type memStore struct {
	mu     sync.Mutex
	logs   []models.ExecutionLog
	states map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]json.RawMessage)}
}

func (s *memStore) InsertExecutionLog(_ context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *log)
	return nil
}

func (s *memStore) UpdateExecutionLog(_ context.Context, executionID string, stepIndex int, update models.ExecutionLogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logs {
		if s.logs[i].ExecutionID == executionID && s.logs[i].StepIndex == stepIndex {
			if update.Output != nil {
				s.logs[i].Output = update.Output
			}
			if update.Error != "" {
				s.logs[i].Error = update.Error
			}
			ended := update.EndedAt
			s.logs[i].EndedAt = &ended
			return nil
		}
	}
	return fmt.Errorf("no log for %s/%d", executionID, stepIndex)
}

func stateKey(workflowKey string, stepIndex int, key string) string {
	return fmt.Sprintf("%s|%d|%s", workflowKey, stepIndex, key)
}

func (s *memStore) GetState(_ context.Context, workflowKey string, stepIndex int, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[stateKey(workflowKey, stepIndex, key)], nil
}

func (s *memStore) SetState(_ context.Context, workflowKey string, stepIndex int, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(workflowKey, stepIndex, key)] = value
	return nil
}

func (s *memStore) ListStates(_ context.Context, workflowKey string, stepIndex int) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("%s|%d|", workflowKey, stepIndex)
	out := make(map[string]json.RawMessage)
	for k, v := range s.states {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}

func (s *memStore) snapshot() []models.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExecutionLog(nil), s.logs...)
}

func (s *memStore) executionSteps() map[string][]models.ExecutionLog {
	out := make(map[string][]models.ExecutionLog)
	for _, l := range s.snapshot() {
		if l.ExecutionID == models.NilUUID {
			continue
		}
		out[l.ExecutionID] = append(out[l.ExecutionID], l)
	}
	return out
}

func (s *memStore) errorTexts() []string {
	var out []string
	for _, l := range s.snapshot() {
		if l.Error != "" {
			out = append(out, l.Error)
		}
	}
	return out
}

type trackedEvent struct {
	accountID string
	event     string
	props     map[string]any
}

type recordingTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

func (t *recordingTracker) Track(_ context.Context, accountID, event string, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackedEvent{accountID, event, props})
}

func (t *recordingTracker) count(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) CaptureException(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fakeSigner struct {
	mu    sync.Mutex
	users []models.User
}

func (s *fakeSigner) Sign(user models.User, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, user)
	return fmt.Sprintf("token-%s-%s", user.Subject, ttl), nil
}

type fakeResolver struct {
	schemas map[string]*models.ConnectorSchema
}

func (r *fakeResolver) Get(_ context.Context, id, _ string) (*models.ConnectorSchema, error) {
	if s, ok := r.schemas[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", connector.ErrNotFound, id)
}

func polling(url string, fields ...models.FieldSchema) models.OperationSpec {
	return models.OperationSpec{Operation: models.PollingOperation{
		Operation:     models.Endpoint{URL: url},
		OperationBase: models.OperationBase{InputFields: fields},
	}}
}

func api(url string, requiresToken bool, fields ...models.FieldSchema) models.OperationSpec {
	return models.OperationSpec{Operation: models.APIOperation{
		Operation:     models.Endpoint{URL: url},
		OperationBase: models.OperationBase{InputFields: fields, RequiresUserToken: requiresToken},
	}}
}

func newTestResolver() *fakeResolver {
	return &fakeResolver{schemas: map[string]*models.ConnectorSchema{
		"clock": {
			Key: "clock",
			Triggers: []models.TriggerDefinition{
				{Key: "tick", Operation: polling(triggerURL,
					models.FieldSchema{Key: "interval", Type: models.FieldTypeNumber, Required: true, Default: "10000"},
					models.FieldSchema{Key: "recurring", Type: models.FieldTypeBoolean},
				)},
				{Key: "webhook", Operation: models.OperationSpec{Operation: models.HookOperation{}}},
				{Key: "http", Operation: polling("https://trigger.test")},
				{Key: "action", Operation: api(triggerURL, false)},
				{Key: "transfer", Operation: models.OperationSpec{Operation: models.BlockchainEventOperation{
					Signature: "event Transfer(address indexed from, address indexed to, uint256 value)",
				}}},
			},
		},
		"chat": {
			Key: "chat",
			Actions: []models.ActionDefinition{
				{Key: "send", Operation: api(actionURL, false,
					models.FieldSchema{Key: "message", Type: models.FieldTypeString, Required: true},
				)},
				{Key: "sendAsUser", Operation: api(actionURL, true)},
				{Key: "listen", Operation: polling(actionURL)},
				{Key: "badURL", Operation: api("https://action.test", false)},
			},
		},
		"token": {
			Key: "token",
			Actions: []models.ActionDefinition{
				{Key: "mint", Operation: models.OperationSpec{Operation: models.BlockchainCallOperation{
					Signature: "function mint(address to, uint256 amount)",
				}}},
			},
		},
		connector.Web3ConnectorKey: connector.Web3Schema(web3URL),
	}}
}

// connectorPeer answers setupSignal and ping, and echoes runAction fields as
// the payload. A message of "fail" makes runAction fail.
func connectorPeer(_ string, method string, params json.RawMessage) (any, error) {
	switch method {
	case "setupSignal", "ping":
		return true, nil
	case "runAction":
		var req struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.Fields["message"] == "fail" {
			return nil, &jsonrpc.Error{Code: 500, Message: "action failed"}
		}
		return map[string]any{"payload": req.Fields}, nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found"}
}

type harness struct {
	dialer   *fakeDialer
	store    *memStore
	tracker  *recordingTracker
	reporter *recordingReporter
	signer   *fakeSigner
	deps     Deps
}

func newHarness() *harness {
	h := &harness{
		dialer:   newFakeDialer(connectorPeer),
		store:    newMemStore(),
		tracker:  &recordingTracker{},
		reporter: &recordingReporter{},
		signer:   &fakeSigner{},
	}
	h.deps = Deps{
		Resolver: newTestResolver(),
		Logs:     h.store,
		States:   h.store,
		Dial:     h.dialer.Dial,
		Signer:   h.signer,
		Tracker:  h.tracker,
		Reporter: h.reporter,
	}
	return h
}

func fastOptions() Options {
	return Options{
		KeepAliveInterval: time.Hour,
		BackoffBase:       time.Microsecond,
		BackoffJitter:     0,
		RetryDelay:        time.Millisecond,
		StabilityWindow:   time.Hour,
		PingTimeout:       time.Second,
		PingWatchdog:      time.Hour,
		MaxAttempts:       10,
	}
}

func workflowRecord(key string, actions ...models.OperationSchema) *models.WorkflowRecord {
	return &models.WorkflowRecord{
		Key:           key,
		UserAccountID: "eip155:1:0x0000000000000000000000000000000000000001",
		Enabled:       true,
		Workflow: models.WorkflowSchema{
			Title:   "test workflow",
			Trigger: models.OperationSchema{Connector: "clock", Operation: "tick", Input: map[string]any{"recurring": "true"}},
			Actions: actions,
		},
	}
}
