package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type clientState int32

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateSubscribed
	stateAuthorized
	stateReconnecting
	stateFailed
)

var clientStateNames = map[clientState]string{
	stateDisconnected: "disconnected",
	stateConnecting:   "connecting",
	stateSubscribed:   "subscribed",
	stateAuthorized:   "authorized",
	stateReconnecting: "reconnecting",
	stateFailed:       "failed",
}

func (s clientState) String() string {
	if name, ok := clientStateNames[s]; ok {
		return name
	}
	return "unknown"
}

type clientEventKind int

const (
	eventConnected clientEventKind = iota
	eventDisconnected
	eventAuthorized
	eventJob
	eventDifficulty
	eventShareAccepted
	eventShareRejected
	eventMessage
	eventError
	eventReconnectFailed
)

// clientEvent is one entry on a client's event channel. Events for a single
// connection are delivered in the order the socket produced them.
type clientEvent struct {
	Kind       clientEventKind
	JobID      string
	JobParams  []any
	Difficulty float64
	Text       string
	Err        error
}

type pendingRequest struct {
	method string
	done   chan stratumResult
	timer  *time.Timer
}

type stratumResult struct {
	result json.RawMessage
	err    error
}

var (
	errClientClosed     = errors.New("pool client closed")
	errNotConnected     = errors.New("pool client not connected")
	errRequestTimeout   = errors.New("pool request timed out")
	errReconnectGaveUp  = errors.New("reconnect attempts exhausted")
	errAlreadyConnected = errors.New("pool client already connected")
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// PoolClient owns one TCP connection to one pool and drives the
// subscribe/authorize handshake, line framing, request correlation, and the
// reconnect loop. Everything the rest of the system needs to know comes out
// of the Events channel.
type PoolClient struct {
	pool     Pool
	username string
	password string
	dial     dialFunc

	mu                sync.Mutex
	conn              net.Conn
	writeMu           sync.Mutex
	state             clientState
	nextID            uint64
	pending           map[uint64]*pendingRequest
	reconnectTimer    *time.Timer
	reconnectAttempts int
	// stopped suppresses automatic reconnection after an explicit
	// Disconnect; a later Connect clears it. closed is final.
	stopped bool
	closed  bool

	events     chan clientEvent
	eventsOnce sync.Once

	pendingTimeout time.Duration
}

func NewPoolClient(pool Pool, username, password string) *PoolClient {
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &PoolClient{
		pool:           pool,
		username:       username,
		password:       password,
		dial:           d.DialContext,
		pending:        make(map[uint64]*pendingRequest),
		events:         make(chan clientEvent, clientEventBuffer),
		pendingTimeout: pendingRequestTimeout,
	}
}

// Events returns the client's event channel. It is closed by Close, when the
// owning session is destroyed.
func (c *PoolClient) Events() <-chan clientEvent {
	return c.events
}

func (c *PoolClient) State() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the handshake completed and the socket is
// still up: true iff subscribed, authorized, and the connection is open.
func (c *PoolClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthorized && c.conn != nil
}

// Connect dials the pool and runs the handshake. It returns once the client
// is authorized, or with the first attempt's error. Later socket loss is
// handled by the reconnect loop, not by the caller.
func (c *PoolClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if c.state == stateAuthorized || c.state == stateConnecting || c.state == stateReconnecting {
		c.mu.Unlock()
		return errAlreadyConnected
	}
	c.stopped = false
	c.reconnectAttempts = 0
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.handleConnectionLost(err)
		return err
	}
	return nil
}

// establish performs one dial+handshake attempt.
func (c *PoolClient) establish(ctx context.Context) error {
	conn, err := c.dial(ctx, "tcp", c.pool.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.pool.URL, err)
	}

	c.mu.Lock()
	if c.stopped || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := c.call(ctx, "mining.subscribe", subscribeParamsFor(c.pool.Algo)); err != nil {
		c.teardownConn(conn)
		return fmt.Errorf("subscribe: %w", err)
	}
	c.setState(stateSubscribed)

	if _, err := c.call(ctx, "mining.authorize", []any{c.username, c.password}); err != nil {
		c.teardownConn(conn)
		return fmt.Errorf("authorize: %w", err)
	}

	c.mu.Lock()
	c.state = stateAuthorized
	c.reconnectAttempts = 0
	c.mu.Unlock()

	logger.Info("pool authorized", "pool", c.pool.Name, "url", c.pool.URL, "state", stateAuthorized)
	c.emit(clientEvent{Kind: eventConnected})
	c.emit(clientEvent{Kind: eventAuthorized})
	return nil
}

func (c *PoolClient) setState(s clientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Disconnect tears the connection down synchronously, cancels any scheduled
// reconnect, and rejects all in-flight requests. Idempotent, and the client
// stays usable: a later Connect starts a fresh cycle.
func (c *PoolClient) Disconnect() {
	c.mu.Lock()
	if c.stopped || c.closed {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.failPending(errClientClosed)
	c.emit(clientEvent{Kind: eventDisconnected})
}

// Close is Disconnect plus final teardown of the event channel. The client
// cannot be reused afterwards; the orchestrator calls this when a session is
// destroyed or its client replaced.
func (c *PoolClient) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeEvents()
}

func (c *PoolClient) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

// SubmitShare sends mining.submit with the layout the pool's algorithm
// family expects and waits for the verdict. A rejection is returned as the
// pool's error and also emitted as a share-rejected event.
func (c *PoolClient) SubmitShare(ctx context.Context, p ShareParams) error {
	if !c.IsConnected() {
		return errNotConnected
	}
	if p.Worker == "" {
		p.Worker = c.username
	}
	params, err := submitParamsFor(c.pool.Algo, p)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, "mining.submit", params); err != nil {
		c.emit(clientEvent{Kind: eventShareRejected, JobID: p.JobID, Err: err})
		return err
	}
	c.emit(clientEvent{Kind: eventShareAccepted, JobID: p.JobID})
	return nil
}

// call sends one request and blocks until the pool answers, the pending
// timeout fires, or ctx is done.
func (c *PoolClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	c.nextID++
	id := c.nextID
	req := stratumRequest{ID: id, Method: method, Params: params}
	pr := &pendingRequest{method: method, done: make(chan stratumResult, 1)}
	pr.timer = time.AfterFunc(c.pendingTimeout, func() {
		c.resolvePending(id, stratumResult{err: fmt.Errorf("%s: %w", method, errRequestTimeout)})
	})
	c.pending[id] = pr
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeJSON(conn, req); err != nil {
		c.resolvePending(id, stratumResult{err: err})
		<-pr.done
		return nil, err
	}

	select {
	case res := <-pr.done:
		return res.result, res.err
	case <-ctx.Done():
		c.resolvePending(id, stratumResult{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// resolvePending removes and completes a pending entry. Each id is resolved
// at most once; later responses with the same id are ignored.
func (c *PoolClient) resolvePending(id uint64, res stratumResult) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.done <- res
}

func (c *PoolClient) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()
	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.done <- stratumResult{err: err}
	}
}

func (c *PoolClient) writeJSON(conn net.Conn, v any) error {
	b, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := conn.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// readLoop buffers the socket and hands each newline-delimited message to
// dispatch. A line that fails to parse is logged and dropped; only socket
// errors end the loop.
func (c *PoolClient) readLoop(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, maxStratumMessageSize)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				c.handleLine(conn, bytes.TrimSpace(line))
			}
			c.mu.Lock()
			current := c.conn
			stopped := c.stopped || c.closed
			c.mu.Unlock()
			if stopped || current != conn {
				return
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Error("pool read error", "pool", c.pool.Name, "error", err)
				c.emit(clientEvent{Kind: eventError, Err: err})
			}
			c.handleConnectionLost(err)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		c.handleLine(conn, line)
	}
}

func (c *PoolClient) handleLine(conn net.Conn, line []byte) {
	var msg stratumMessage
	if err := fastJSONUnmarshal(line, &msg); err != nil {
		logger.Warn("malformed pool message dropped", "pool", c.pool.Name, "error", err)
		return
	}

	if msg.isResponse() {
		if msgErr := decodeStratumError(msg.Error); msgErr != nil {
			c.resolvePending(*msg.ID, stratumResult{err: msgErr})
			return
		}
		c.resolvePending(*msg.ID, stratumResult{result: msg.Result})
		return
	}

	c.dispatchPush(conn, &msg)
}

func (c *PoolClient) dispatchPush(conn net.Conn, msg *stratumMessage) {
	switch msg.Method {
	case "mining.notify":
		job, err := decodeNotifyParams(msg.Params)
		if err != nil {
			logger.Warn("bad mining.notify dropped", "pool", c.pool.Name, "error", err)
			return
		}
		c.emit(clientEvent{Kind: eventJob, JobID: job.JobID, JobParams: job.Raw})
	case "mining.set_difficulty":
		diff, err := decodeSetDifficultyParams(msg.Params)
		if err != nil {
			logger.Warn("bad mining.set_difficulty dropped", "pool", c.pool.Name, "error", err)
			return
		}
		c.emit(clientEvent{Kind: eventDifficulty, Difficulty: diff.Difficulty})
	case "client.reconnect":
		// The pool asked us to move; closing the socket routes through the
		// normal reconnect path.
		logger.Info("pool requested reconnect", "pool", c.pool.Name)
		_ = conn.Close()
	case "client.get_version":
		resp := map[string]any{"id": msg.ID, "result": clientVersionString, "error": nil}
		if err := c.writeJSON(conn, resp); err != nil {
			logger.Error("version reply failed", "pool", c.pool.Name, "error", err)
		}
	case "client.show_message":
		sm, err := decodeShowMessageParams(msg.Params)
		if err != nil {
			logger.Warn("bad client.show_message dropped", "pool", c.pool.Name, "error", err)
			return
		}
		logger.Info("pool message", "pool", c.pool.Name, "text", sm.Text)
		c.emit(clientEvent{Kind: eventMessage, Text: sm.Text})
	default:
		if debugLogging {
			logger.Debug("ignoring unknown pool method", "pool", c.pool.Name, "method", msg.Method)
		}
	}
}

// handleConnectionLost runs once per socket loss: it clears the dead
// connection, rejects in-flight requests, and either schedules the next
// reconnect attempt or gives up for good.
func (c *PoolClient) handleConnectionLost(cause error) {
	c.mu.Lock()
	if c.stopped || c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected

	if c.reconnectAttempts >= maxReconnectAttempts {
		c.state = stateFailed
		c.stopped = true
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.failPending(errReconnectGaveUp)
		logger.Error("pool unreachable, giving up",
			"pool", c.pool.Name, "url", c.pool.URL, "attempts", maxReconnectAttempts)
		c.emit(clientEvent{Kind: eventReconnectFailed, Err: errReconnectGaveUp})
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := reconnectDelayForAttempt(attempt)
	c.state = stateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.stopped || c.closed {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.state = stateConnecting
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), stratumWriteTimeout)
		defer cancel()
		if err := c.establish(ctx); err != nil {
			logger.Warn("reconnect attempt failed",
				"pool", c.pool.Name, "attempt", attempt, "error", err)
			c.handleConnectionLost(err)
		}
	})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.failPending(errNotConnected)
	logger.Warn("pool connection lost",
		"pool", c.pool.Name, "attempt", attempt, "retry_in", delay, "cause", cause)
	c.emit(clientEvent{Kind: eventDisconnected, Err: cause})
}

// teardownConn closes a half-established connection without consuming a
// reconnect attempt twice; the caller reports the error.
func (c *PoolClient) teardownConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = stateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// emit never blocks the read loop: if the consumer is not keeping up the
// event is dropped with a warning rather than stalling the socket.
func (c *PoolClient) emit(evt clientEvent) {
	defer func() {
		// A racing Disconnect can close the channel under us.
		_ = recover()
	}()
	select {
	case c.events <- evt:
	default:
		logger.Warn("client event dropped", "pool", c.pool.Name, "kind", evt.Kind)
	}
}

// reconnectDelayForAttempt returns the backoff before the given 1-based
// attempt: 1s, 2s, 4s, ... capped at reconnectMaxDelay.
func reconnectDelayForAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return reconnectInitialDelay
	}
	delay := reconnectInitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}
