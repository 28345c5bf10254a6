package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdash/internal/domain"
	"clawdash/internal/security"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateError          State = "error"
)

// challengeGrace is how long a fresh socket waits for a connect.challenge
// event before sending the handshake without a nonce. Servers that want
// nonce-bound signatures push the challenge immediately after accept, so a
// short window is enough.
const challengeGrace = 750 * time.Millisecond

const defaultRequestTimeout = 30 * time.Second

// EventCallback receives a server-pushed event.
type EventCallback func(event string, seq int64, payload json.RawMessage)

// Options configures a Client.
type Options struct {
	URL         string
	Identity    Identity
	TokenFunc   func() (string, error) // re-resolved on every attempt; overrides Identity.Token
	Signer      security.Signer
	DisplayName string
	Version     string
	Platform    string

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Retry            RetryPolicy
	Logger           *slog.Logger
}

// RPCError is a structured error returned by the gateway in a response frame.
type RPCError struct {
	Code         string
	Message      string
	Retryable    bool
	RetryAfterMs int
	Details      json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return domain.ErrGatewayError }

type rpcResult struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method string
	ch     chan rpcResult
}

type listenerEntry struct {
	id int64
	fn EventCallback
}

// Client maintains one authenticated WebSocket connection to the gateway and
// multiplexes RPCs and events over it. Callers never see the socket: they
// issue Request calls and register event listeners; the client owns dialing,
// the auth handshake, and reconnection.
type Client struct {
	opts       Options
	logger     *slog.Logger
	instanceID string

	mu             sync.Mutex
	state          State
	closed         bool
	ws             *websocket.Conn
	hello          *Hello
	pending        map[string]*pendingRequest
	listeners      map[string][]listenerEntry
	anyListeners   []listenerEntry
	stateListeners []listenerState
	nextListener   int64
	lastSeq        int64
	attempt        int
	authFailures   int

	// handshake coordination, valid during one connect attempt
	handshakeSent bool
	challengeCh   chan ChallengePayload

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	runCancel context.CancelFunc
	runDone   chan struct{}
}

type listenerState struct {
	id int64
	fn func(State)
}

// NewClient creates a client. Call Start to begin connecting.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Platform == "" {
		opts.Platform = "linux"
	}

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	c := &Client{
		opts:      opts,
		logger:    opts.Logger,
		state:     StateDisconnected,
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[string][]listenerEntry),
		entropy:   entropy,
	}
	c.instanceID = c.newID()
	return c
}

// InstanceID identifies this client instance across reconnects.
func (c *Client) InstanceID() string { return c.instanceID }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the cached handshake payload from the current or most recent
// connection, or nil before the first successful handshake.
func (c *Client) Hello() *Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Start launches the connection loop. It returns immediately; the loop runs
// until Close or ctx cancellation.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Close tears the connection down and stops reconnecting. Pending requests
// fail with a connection-lost error. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	if done != nil {
		<-done
	}
	c.failPending(domain.ErrClientClosed)
	c.setState(StateDisconnected)
}

func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		authFailures := c.authFailures
		c.mu.Unlock()

		delay := c.opts.Retry.NextDelay(attempt, authFailures)
		if err != nil {
			c.logger.Warn("gateway connection failed",
				"error", err, "attempt", attempt, "retry_in", delay)
		} else {
			c.logger.Info("gateway connection lost", "attempt", attempt, "retry_in", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectOnce runs one full connection attempt: dial, handshake, then serve
// the socket until it drops. A nil return means the connection was
// established and later lost; an error means the attempt itself failed.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		c.setState(StateError)
		return domain.WrapOp("Client.Dial", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.lastSeq = 0
	c.handshakeSent = false
	c.challengeCh = make(chan ChallengePayload, 1)
	challengeCh := c.challengeCh
	c.mu.Unlock()

	c.setState(StateAuthenticating)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, ws) }()

	fail := func(err error) error {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		<-readErr
		c.detach(ws)
		c.setState(StateError)
		return err
	}

	// Wait briefly for a server challenge; without one, handshake with a
	// plain v1 assertion.
	var nonce string
	grace := time.NewTimer(challengeGrace)
	select {
	case ch := <-challengeCh:
		nonce = ch.Nonce
	case <-grace.C:
	case err := <-readErr:
		grace.Stop()
		c.detach(ws)
		c.setState(StateError)
		return domain.WrapOp("Client.Handshake", err)
	case <-ctx.Done():
		grace.Stop()
		return fail(ctx.Err())
	}
	grace.Stop()

	helloCh, err := c.sendConnect(ctx, ws, nonce)
	if err != nil {
		return fail(domain.WrapOp("Client.Handshake", err))
	}

	timeout := time.NewTimer(c.opts.HandshakeTimeout)
	defer timeout.Stop()

	var res rpcResult
	select {
	case res = <-helloCh:
	case <-timeout.C:
		return fail(domain.NewDomainError("Client.Handshake", domain.ErrHandshakeFailed,
			fmt.Sprintf("no hello within %s", c.opts.HandshakeTimeout)))
	case err := <-readErr:
		c.detach(ws)
		c.setState(StateError)
		return domain.WrapOp("Client.Handshake", err)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if res.err != nil {
		// The server rejected the handshake. Treat every rejection as an
		// auth failure for backoff purposes and close with the auth code so
		// the far end can tell this apart from a transport drop.
		c.mu.Lock()
		c.authFailures++
		c.mu.Unlock()
		ws.Close(websocket.StatusCode(CloseCodeAuthRejected), "authentication rejected")
		<-readErr
		c.detach(ws)
		c.setState(StateError)
		return domain.NewDomainError("Client.Handshake", domain.ErrAuthFailed, res.err.Error())
	}

	hello := parseHello(res.payload)
	c.mu.Lock()
	c.hello = hello
	c.attempt = 0
	c.authFailures = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("gateway connected",
		"server_version", hello.Server.Version, "conn_id", hello.Server.ConnID,
		"protocol", hello.Protocol)

	// Serve until the socket drops.
	err = <-readErr
	c.detach(ws)
	c.setState(StateDisconnected)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("gateway read loop ended", "error", err)
	}
	return nil
}

// parseHello decodes the connect response payload. The shape is lenient: an
// unrecognizable payload on a successful response is treated as a hello with
// an empty snapshot rather than a handshake failure.
func parseHello(payload json.RawMessage) *Hello {
	var h Hello
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &h); err != nil {
			return &Hello{}
		}
	}
	return &h
}

// sendConnect builds and sends the connect request, registering it in the
// pending table so the response is routed back like any other RPC. The
// handshakeSent guard makes a late challenge a no-op instead of a second
// connect frame.
func (c *Client) sendConnect(ctx context.Context, ws *websocket.Conn, nonce string) (chan rpcResult, error) {
	token := c.opts.Identity.Token
	if c.opts.TokenFunc != nil {
		t, err := c.opts.TokenFunc()
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		token = t
	}

	id := c.opts.Identity
	id.Token = token

	signedAt := time.Now().UnixMilli()
	var device *DeviceAuth
	if c.opts.Signer != nil {
		device = buildDeviceAuth(c.opts.Signer, id, signedAt, nonce)
	}

	params := ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:          id.ClientID,
			DisplayName: c.opts.DisplayName,
			Version:     c.opts.Version,
			Platform:    c.opts.Platform,
			Mode:        id.Mode,
			InstanceID:  c.instanceID,
		},
		Role:   id.Role,
		Scopes: id.Scopes,
		Auth:   &AuthInfo{Token: token},
		Device: device,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal connect params: %w", err)
	}

	reqID := c.newID()
	pr := &pendingRequest{method: MethodConnect, ch: make(chan rpcResult, 1)}

	c.mu.Lock()
	if c.handshakeSent {
		c.mu.Unlock()
		return nil, fmt.Errorf("handshake already sent")
	}
	c.handshakeSent = true
	c.pending[reqID] = pr
	c.mu.Unlock()

	frame := Frame{Type: FrameTypeRequest, ID: reqID, Method: MethodConnect, Params: raw}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	err = wsjson.Write(writeCtx, ws, frame)
	cancel()
	if err != nil {
		c.removePending(reqID)
		return nil, err
	}
	return pr.ch, nil
}

// Request issues an RPC over the current connection and blocks for the
// response. It fails immediately when not connected; requests are never
// queued across reconnects. ctx cancels the wait, and the per-request
// timeout applies on top of it.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrClientClosed, method)
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, method)
	}
	ws := c.ws
	reqID := c.newID()
	pr := &pendingRequest{method: method, ch: make(chan rpcResult, 1)}
	c.pending[reqID] = pr
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			c.removePending(reqID)
			return nil, domain.NewDomainError("Client.Request", domain.ErrInvalidInput,
				fmt.Sprintf("marshal params for %s: %v", method, err))
		}
		raw = b
	}

	frame := Frame{Type: FrameTypeRequest, ID: reqID, Method: method, Params: raw}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	err := wsjson.Write(writeCtx, ws, frame)
	cancel()
	if err != nil {
		c.removePending(reqID)
		return nil, domain.NewDomainError("Client.Request", domain.ErrConnectionLost,
			fmt.Sprintf("write %s: %v", method, err))
	}

	timeout := c.opts.RequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(reqID)
		return nil, domain.NewDomainError("Client.Request", domain.ErrRequestTimeout,
			fmt.Sprintf("%s timed out after %s", method, timeout))
	case <-ctx.Done():
		c.removePending(reqID)
		return nil, domain.WrapOp("Client.Request", ctx.Err())
	}
}

// On registers a listener for a named event. The returned function removes
// the registration; the last removal for a name clears its entry entirely.
func (c *Client) On(event string, fn EventCallback) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[event] = append(c.listeners[event], listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.listeners[event]
		for i, e := range entries {
			if e.id == id {
				c.listeners[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(c.listeners[event]) == 0 {
			delete(c.listeners, event)
		}
	}
}

// OnAny registers a catch-all listener that sees every event.
func (c *Client) OnAny(fn EventCallback) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.anyListeners = append(c.anyListeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.anyListeners {
			if e.id == id {
				c.anyListeners = append(c.anyListeners[:i], c.anyListeners[i+1:]...)
				return
			}
		}
	}
}

// OnState registers a listener for connection state changes.
func (c *Client) OnState(fn func(State)) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.stateListeners = append(c.stateListeners, listenerState{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.stateListeners {
			if e.id == id {
				c.stateListeners = append(c.stateListeners[:i], c.stateListeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return err
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameTypeResponse:
		c.handleResponse(frame)
	case FrameTypeEvent:
		c.handleEvent(frame)
	default:
		c.logger.Debug("gateway: unknown frame type", "frame_type", frame.Type)
	}
}

func (c *Client) handleResponse(frame Frame) {
	c.mu.Lock()
	pr, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Timed out or cancelled before the response arrived.
		c.logger.Debug("gateway: response for unknown request", "frame_id", frame.ID)
		return
	}

	success := frame.OK != nil && *frame.OK
	if !success {
		rpcErr := &RPCError{Code: "UNKNOWN", Message: "request failed"}
		if frame.Error != nil {
			rpcErr.Code = frame.Error.Code
			rpcErr.Message = frame.Error.Message
			rpcErr.Retryable = frame.Error.Retryable
			rpcErr.RetryAfterMs = frame.Error.RetryAfterMs
			rpcErr.Details = frame.Error.Details
		}
		pr.ch <- rpcResult{err: rpcErr}
		return
	}
	pr.ch <- rpcResult{payload: frame.Payload}
}

func (c *Client) handleEvent(frame Frame) {
	// The challenge is part of the handshake, not the application stream.
	if frame.Event == EventConnectChallenge {
		var ch ChallengePayload
		if err := json.Unmarshal(frame.Payload, &ch); err != nil {
			c.logger.Warn("gateway: malformed challenge payload", "error", err)
			return
		}
		c.mu.Lock()
		sent := c.handshakeSent
		chCh := c.challengeCh
		c.mu.Unlock()
		if sent || chCh == nil {
			c.logger.Debug("gateway: challenge after handshake sent, ignoring")
			return
		}
		select {
		case chCh <- ch:
		default:
		}
		return
	}

	c.mu.Lock()
	if frame.Seq > 0 {
		if c.lastSeq > 0 && frame.Seq != c.lastSeq+1 {
			c.logger.Warn("gateway: event sequence gap",
				"expected", c.lastSeq+1, "got", frame.Seq, "event", frame.Event)
		}
		c.lastSeq = frame.Seq
	}
	named := make([]listenerEntry, len(c.listeners[frame.Event]))
	copy(named, c.listeners[frame.Event])
	catchAll := make([]listenerEntry, len(c.anyListeners))
	copy(catchAll, c.anyListeners)
	c.mu.Unlock()

	for _, e := range named {
		c.safeInvoke(e.fn, frame)
	}
	for _, e := range catchAll {
		c.safeInvoke(e.fn, frame)
	}
}

func (c *Client) safeInvoke(fn EventCallback, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gateway: event listener panicked",
				"event", frame.Event, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(frame.Event, frame.Seq, frame.Payload)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	snapshot := make([]listenerState, len(c.stateListeners))
	copy(snapshot, c.stateListeners)
	c.mu.Unlock()

	for _, e := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("gateway: state listener panicked", "panic", r)
				}
			}()
			e.fn(s)
		}()
	}
}

// detach clears the socket reference if it still points at ws and fails all
// requests that were in flight on it.
func (c *Client) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.challengeCh = nil
	c.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
	c.failPending(domain.ErrConnectionLost)
}

func (c *Client) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.ch <- rpcResult{err: domain.NewDomainError("Client.Request", cause, pr.method)}
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) newID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}
