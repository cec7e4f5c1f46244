package pulse

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ConnState is the realtime connection lifecycle state.
// Exactly one value holds at a time.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateError        ConnState = "error"
)

const (
	connDefaultDialTimeout  = 10 * time.Second
	connDefaultWriteTimeout = 5 * time.Second

	connDefaultBackoffBase  = 1 * time.Second
	connDefaultBackoffCap   = 10 * time.Second
	connDefaultMaxJitter    = 250 * time.Millisecond
	connDefaultMaxReconnect = 3

	connMaxReadBytes = 1 << 20 // 1 MiB
)

// RoomHandler receives every server message routed to a subscribed room,
// both broadcasts and command responses.
type RoomHandler func(msg v1.ServerMessage)

// Dialer opens the underlying transport. Injectable for tests.
type Dialer func(ctx context.Context, wsURL string) (Wire, error)

// Wire abstracts the websocket transport.
type Wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close closes the transport; normal selects a clean close code.
	Close(normal bool, reason string) error
}

// Conn maintains at most one live realtime connection per client session.
//
// Responsibilities:
//   - room subscribe/unsubscribe with an explicit observer registry
//   - recovery from unexpected disconnects via bounded exponential backoff
//   - subscription replay after every fresh successful connection, since the
//     gateway has no memory of subscriptions across connections
//
// Concurrency guarantees:
//   - message delivery to subscribers is in wire order, one message at a time
//   - a panicking subscriber never breaks delivery to the others
//   - only read-loop termination can schedule a reconnect, so concurrent
//     failure signals cannot double-schedule a timer
type Conn struct {
	log    *slog.Logger
	wsURL  string
	dial   Dialer
	notify Notifier

	dialTimeout  time.Duration
	writeTimeout time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxReconnect int
	jitter       func() time.Duration

	wmu sync.Mutex // serializes transport writes

	mu         sync.Mutex
	state      ConnState
	ws         Wire
	connSeq    uint64
	clientType string
	attempts   int
	gaveUp     bool
	closed     bool
	retryTimer *time.Timer
	rooms      map[string]map[uint64]RoomHandler
	nextToken  uint64
}

// ConnOption configures Conn behavior.
type ConnOption func(*Conn)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDialer replaces the transport dialer (used by tests).
func WithDialer(d Dialer) ConnOption {
	return func(c *Conn) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithNotifier sets the sink for user-facing connection notices.
func WithNotifier(n Notifier) ConnOption {
	return func(c *Conn) {
		if n != nil {
			c.notify = n
		}
	}
}

// WithBackoff sets the reconnect backoff base and ceiling.
func WithBackoff(base, ceiling time.Duration) ConnOption {
	return func(c *Conn) {
		if base > 0 {
			c.backoffBase = base
		}
		if ceiling > 0 {
			c.backoffCap = ceiling
		}
	}
}

// WithMaxReconnects bounds automatic reconnection attempts.
func WithMaxReconnects(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxReconnect = n
		}
	}
}

// WithJitter replaces the backoff jitter source (used by tests).
func WithJitter(f func() time.Duration) ConnOption {
	return func(c *Conn) {
		if f != nil {
			c.jitter = f
		}
	}
}

// NewConn constructs a connection manager for the given ws:// or wss:// URL.
// It does not connect; call Connect.
func NewConn(wsURL string, opts ...ConnOption) *Conn {
	c := &Conn{
		log:          slog.Default(),
		wsURL:        wsURL,
		dial:         dialWebsocket,
		dialTimeout:  connDefaultDialTimeout,
		writeTimeout: connDefaultWriteTimeout,
		backoffBase:  connDefaultBackoffBase,
		backoffCap:   connDefaultBackoffCap,
		maxReconnect: connDefaultMaxReconnect,
		jitter:       defaultJitter,
		state:        StateDisconnected,
		rooms:        make(map[string]map[uint64]RoomHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.notify == nil {
		c.notify = LogNotifier{Log: c.log}
	}
	return c
}

func defaultJitter() time.Duration {
	return rand.N(connDefaultMaxJitter)
}

// dialWebsocket is the production Dialer on coder/websocket.
func dialWebsocket(ctx context.Context, wsURL string) (Wire, error) {
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Version},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(connMaxReadBytes)
	return wsWire{conn: conn}, nil
}

type wsWire struct {
	conn *websocket.Conn
}

func (w wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w wsWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w wsWire) Close(normal bool, reason string) error {
	code := websocket.StatusNormalClosure
	if !normal {
		code = websocket.StatusGoingAway
	}
	return w.conn.Close(code, reason)
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection. It is idempotent: a no-op while already
// connected or connecting (the dial is gated before the handshake completes).
// Calling Connect after the retry budget was exhausted is the "manual refresh"
// action: it clears the gave-up latch and dials fresh.
func (c *Conn) Connect(clientType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected || c.state == StateConnecting {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	c.clientType = clientType
	c.closed = false
	c.gaveUp = false
	c.startDialLocked()
}

// startDialLocked transitions to CONNECTING and dials in the background.
// Callers must hold c.mu.
func (c *Conn) startDialLocked() {
	c.state = StateConnecting
	c.connSeq++
	go c.dialAndRun(c.connSeq, c.clientType)
}

func (c *Conn) dialAndRun(seq uint64, clientType string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	w, err := c.dial(ctx, c.dialURL(clientType))
	cancel()

	c.mu.Lock()
	if c.connSeq != seq || c.closed {
		c.mu.Unlock()
		if err == nil {
			_ = w.Close(true, "superseded")
		}
		return
	}

	if err != nil {
		// A failed dial behaves like an unexpected close: the retry budget is
		// the only thing deciding what happens next.
		c.log.Warn("ws.dial.fail", "err", err, "attempt", c.attempts)
		c.state = StateError
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.ws = w
	c.state = StateConnected
	c.attempts = 0
	c.gaveUp = false
	rooms := c.activeRoomsLocked()
	c.mu.Unlock()

	c.log.Info("ws.open", "client_type", clientType, "rooms", len(rooms))

	// The gateway's subscription state does not survive a reconnect:
	// replay every active room on each fresh connection.
	for _, room := range rooms {
		c.writeCommand(w, v1.NewSubscribeCommand(room))
	}

	go c.readLoop(seq, w)
}

func (c *Conn) dialURL(clientType string) string {
	if clientType == "" {
		return c.wsURL
	}
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return c.wsURL
	}
	q := u.Query()
	q.Set("clientType", clientType)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) activeRoomsLocked() []string {
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// ---- read loop ----

func (c *Conn) readLoop(seq uint64, w Wire) {
	for {
		data, err := w.Read(context.Background())
		if err != nil {
			c.handleClose(seq, err)
			return
		}
		c.route(data)
	}
}

// handleClose is the single owner of retry scheduling. Transport errors that
// surface elsewhere (dial, write) never schedule on their own except through
// the identical guarded path, so concurrent close signals cannot produce two
// timers.
func (c *Conn) handleClose(seq uint64, err error) {
	clean := websocket.CloseStatus(err) == websocket.StatusNormalClosure

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connSeq != seq {
		// A newer connection superseded this read loop.
		return
	}
	c.ws = nil

	if c.closed || clean {
		c.state = StateDisconnected
		c.log.Info("ws.close.clean")
		return
	}

	c.log.Warn("ws.close.unexpected", "err", err)
	c.state = StateError
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked schedules exactly one reconnect timer, or latches
// the gave-up state once the budget is spent. Callers must hold c.mu.
func (c *Conn) scheduleReconnectLocked() {
	if c.gaveUp || c.closed {
		return
	}
	if c.retryTimer != nil {
		return
	}

	if c.attempts >= c.maxReconnect {
		c.gaveUp = true
		c.state = StateDisconnected
		c.log.Error("ws.reconnect.exhausted", "attempts", c.attempts)
		// Exactly one persistent notice per exhaustion; the latch above
		// guarantees it cannot fire twice.
		go c.notify.Notify(NoticeConnectionLost,
			"Realtime connection lost. Please refresh the page.")
		return
	}

	c.attempts++
	c.state = StateReconnecting
	delay := backoffDelay(c.backoffBase, c.backoffCap, c.attempts) + c.jitter()
	c.log.Info("ws.reconnect.schedule", "attempt", c.attempts, "delay", delay)

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.retryTimer = nil
		if c.gaveUp || c.closed || c.state == StateConnected || c.state == StateConnecting {
			return
		}
		c.startDialLocked()
	})
}

// backoffDelay is min(base * 2^(attempt-1), ceiling), before jitter.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

// ---- routing ----

func (c *Conn) route(data []byte) {
	var msg v1.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("ws.message.unparseable", "err", err)
		return
	}
	if msg.Error != "" {
		c.log.Warn("ws.message.error", "error", msg.Error)
		return
	}

	room := msg.RoutingRoom()
	if room == "" {
		c.log.Warn("ws.message.unroutable", "event_type", msg.EventType, "status", msg.Status)
		return
	}

	c.mu.Lock()
	handlers := make([]RoomHandler, 0, len(c.rooms[room]))
	for _, h := range c.rooms[room] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(room, h, msg)
	}
}

// invoke isolates one subscriber: a panic is logged and must not prevent
// delivery to the remaining subscribers.
func (c *Conn) invoke(room string, h RoomHandler, msg v1.ServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("ws.subscriber.panic", "room", room, "panic", r)
		}
	}()
	h(msg)
}

// ---- subscriptions ----

// Subscribe registers a handler for a room and returns its unsubscribe
// function. The first subscriber marks the room active; when the connection
// is open, the subscribe command is sent immediately, otherwise the replay on
// the next successful open covers it.
func (c *Conn) Subscribe(roomID string, h RoomHandler) (unsubscribe func()) {
	c.mu.Lock()
	set, ok := c.rooms[roomID]
	if !ok {
		set = make(map[uint64]RoomHandler)
		c.rooms[roomID] = set
	}
	c.nextToken++
	token := c.nextToken
	set[token] = h
	first := len(set) == 1
	w := c.connectedWireLocked()
	c.mu.Unlock()

	if first && w != nil {
		c.writeCommand(w, v1.NewSubscribeCommand(roomID))
	}

	return func() {
		c.mu.Lock()
		set := c.rooms[roomID]
		var last bool
		if set != nil {
			if _, ok := set[token]; ok {
				delete(set, token)
				if len(set) == 0 {
					delete(c.rooms, roomID)
					last = true
				}
			}
		}
		w := c.connectedWireLocked()
		c.mu.Unlock()

		if last && w != nil {
			c.writeCommand(w, v1.NewUnsubscribeCommand(roomID))
		}
	}
}

func (c *Conn) connectedWireLocked() Wire {
	if c.state == StateConnected {
		return c.ws
	}
	return nil
}

// ---- sending ----

// Send transmits a command on the live connection. When not connected it logs
// a warning and drops the command: it never errors and never queues.
func (c *Conn) Send(cmd v1.Command) {
	c.mu.Lock()
	w := c.connectedWireLocked()
	state := c.state
	c.mu.Unlock()

	if w == nil {
		c.log.Warn("ws.send.dropped", "action", cmd.Action, "room", cmd.Room, "state", string(state))
		return
	}
	c.writeCommand(w, cmd)
}

func (c *Conn) writeCommand(w Wire, cmd v1.Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		c.log.Error("ws.send.marshal.fail", "action", cmd.Action, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	c.wmu.Lock()
	err = w.Write(ctx, data)
	c.wmu.Unlock()
	if err != nil {
		// Retry logic is owned by the read loop observing the same failure.
		c.log.Warn("ws.send.fail", "action", cmd.Action, "err", err)
	}
}

// Disconnect closes the connection cleanly: best-effort unsubscribes for every
// active room, all subscriber state cleared, no retry scheduled.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	rooms := c.activeRoomsLocked()
	w := c.ws
	c.ws = nil
	c.rooms = make(map[string]map[uint64]RoomHandler)
	c.state = StateDisconnected
	c.mu.Unlock()

	if w != nil {
		for _, room := range rooms {
			c.writeCommand(w, v1.NewUnsubscribeCommand(room))
		}
		_ = w.Close(true, "client disconnect")
	}
	c.log.Info("ws.disconnect", "rooms", len(rooms))
}
