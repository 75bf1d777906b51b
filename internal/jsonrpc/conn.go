package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nexus-orchestrator/backend/internal/logging"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultPingTimeout    = 5 * time.Second
	DefaultPingInterval   = 5 * time.Second

	// CloseAbnormal is reported when the socket goes away without a close frame.
	CloseAbnormal = websocket.CloseAbnormalClosure

	maxCloseReason = 123
)

// Handler serves one inbound method call. The returned value is encoded as
// the result; a returned *Error is sent to the peer as is.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithRequestTimeout overrides the ceiling applied to every Request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) { c.requestTimeout = d }
}

// WithPingInterval sets how often the peer is pinged while calls are in
// flight. Zero disables it.
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

// WithMethod registers an inbound method before any frame is read.
func WithMethod(name string, h Handler) Option {
	return func(c *Conn) { c.methods[name] = h }
}

// Conn is one JSON-RPC session over a websocket.
type Conn struct {
	url            string
	log            *logging.Logger
	dialer         *websocket.Dialer
	header         http.Header
	requestTimeout time.Duration
	pingInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	ws          *websocket.Conn
	queue       [][]byte
	pending     map[string]chan *message
	methods     map[string]Handler
	onClose     []func(code int, reason string)
	closeCode   int
	closeReason string

	writeMu  sync.Mutex
	nextID   atomic.Uint64
	inflight atomic.Int32
}

func newConn(url string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:            url,
		log:            logging.Nop(),
		dialer:         websocket.DefaultDialer,
		requestTimeout: DefaultRequestTimeout,
		pingInterval:   DefaultPingInterval,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		pending:        make(map[string]chan *message),
		methods:        make(map[string]Handler),
	}
	c.methods["ping"] = func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial starts connecting to url in the background and returns at once. Calls
// made while connecting are queued and flushed when the socket opens.
func Dial(url string, opts ...Option) *Conn {
	c := newConn(url, opts...)
	c.state = Connecting
	go c.connect()
	return c
}

// NewConn wraps an already established websocket, typically the server side
// of an upgrade.
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	c := newConn(ws.RemoteAddr().String(), opts...)
	c.state = Open
	c.ws = ws
	c.start()
	return c
}

func (c *Conn) connect() {
	ws, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		c.log.Debug("websocket dial failed", "url", c.url, "error", err)
		c.finish(CloseAbnormal, err.Error())
		return
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.state = Open
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, frame := range queued {
		if err := c.write(frame); err != nil {
			c.fail(err)
			return
		}
	}
	c.start()
}

func (c *Conn) start() {
	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the socket is connected.
func (c *Conn) IsOpen() bool {
	return c.State() == Open
}

// AddMethod registers a handler for inbound calls of method name.
func (c *Conn) AddMethod(name string, h Handler) {
	c.mu.Lock()
	c.methods[name] = h
	c.mu.Unlock()
}

// OnClose registers fn to run once, in its own goroutine, when the
// connection closes. If it is already closed fn is scheduled at once.
func (c *Conn) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	if c.state == Closed {
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()
		go fn(code, reason)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Request calls method on the peer and decodes the result into result, which
// may be nil. The call fails with ErrTimeout after the request timeout.
func (c *Conn) Request(ctx context.Context, method string, params, result any) error {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	return c.call(ctx, c.requestTimeout, method, params, result)
}

// Ping sends a ping call with a short timeout.
func (c *Conn) Ping(ctx context.Context) error {
	return c.call(ctx, DefaultPingTimeout, "ping", nil, nil)
}

func (c *Conn) call(ctx context.Context, timeout time.Duration, method string, params, result any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := encodeRequest(json.RawMessage(id), method, params)
	if err != nil {
		return err
	}

	ch := make(chan *message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(frame); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	case <-c.done:
		return c.closedError()
	}
}

func encodeRequest(id json.RawMessage, method string, params any) ([]byte, error) {
	msg := message{JSONRPC: version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return json.Marshal(msg)
}

func (c *Conn) send(frame []byte) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return c.closedError()
	case Connecting:
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.fail(err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) closedError() error {
	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()
	return fmt.Errorf("%w (%s)", ErrClosed, reason)
}

// Close closes the connection with the given websocket close code. It is safe
// to call more than once; only the first call has an effect.
func (c *Conn) Close(code int, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("write close frame failed", "url", c.url, "error", err)
		}
	}
	c.finish(code, reason)
	return nil
}

func (c *Conn) fail(err error) {
	c.finish(CloseAbnormal, err.Error())
}

func (c *Conn) finish(code int, reason string) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.closeCode = code
	c.closeReason = reason
	c.queue = nil
	ws := c.ws
	handlers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	if ws != nil {
		_ = ws.Close()
	}
	if len(handlers) > 0 {
		go func() {
			for _, fn := range handlers {
				fn(code, reason)
			}
		}()
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.finish(ce.Code, ce.Text)
			} else {
				c.fail(err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.inflight.Load() == 0 {
				continue
			}
			if err := c.Ping(c.ctx); err != nil {
				c.log.Debug("keep-alive ping failed", "url", c.url, "error", err)
			}
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil || len(batch) == 0 {
			c.reply(errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}))
			return
		}
		go c.serveBatch(batch)
		return
	}

	msg, errResp := decode(data)
	if errResp != nil {
		c.reply(errResp)
		return
	}
	if msg.isRequest() {
		go func() {
			if resp := c.serve(msg); resp != nil {
				c.reply(resp)
			}
		}()
		return
	}
	c.deliver(msg)
}

func (c *Conn) serveBatch(batch []json.RawMessage) {
	var responses []*message
	for _, raw := range batch {
		msg, errResp := decode(raw)
		if errResp != nil {
			responses = append(responses, errResp)
			continue
		}
		if !msg.isRequest() {
			c.deliver(msg)
			continue
		}
		if resp := c.serve(msg); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return
	}
	frame, err := json.Marshal(responses)
	if err != nil {
		c.log.Error("encode batch response failed", "error", err)
		return
	}
	if err := c.send(frame); err != nil {
		c.log.Debug("send batch response failed", "url", c.url, "error", err)
	}
}

func decode(data []byte) (*message, *message) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errorResponse(nil, &Error{Code: CodeParseError, Message: "Parse error"})
	}
	if msg.Method == "" && len(msg.ID) == 0 {
		return nil, errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"})
	}
	return &msg, nil
}

func (c *Conn) serve(msg *message) *message {
	c.mu.Lock()
	h, ok := c.methods[msg.Method]
	c.mu.Unlock()

	if !ok {
		if msg.isNotification() {
			return nil
		}
		return errorResponse(msg.ID, &Error{Code: CodeMethodNotFound, Message: "Method not found"})
	}

	result, err := h(c.ctx, msg.Params)
	if msg.isNotification() {
		if err != nil {
			c.log.Warn("notification handler failed", "method", msg.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		return errorResponse(msg.ID, toError(err))
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(msg.ID, &Error{Code: CodeInternalError, Message: err.Error()})
	}
	return &message{JSONRPC: version, ID: msg.ID, Result: raw}
}

func (c *Conn) deliver(msg *message) {
	key := idKey(msg.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response for unknown call", "id", key)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Conn) reply(msg *message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode response failed", "error", err)
		return
	}
	if err := c.send(frame); err != nil {
		c.log.Debug("send response failed", "url", c.url, "error", err)
	}
}
