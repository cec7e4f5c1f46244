package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// TokenVerifier authenticates dashboard sessions. Verify returns the agent
// user id the token belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (agentUserID string, err error)
}

// EventSink receives escalation lifecycle notifications for out-of-process
// consumers (e.g. an AMQP topic). Implementations must not block.
type EventSink interface {
	EscalationClaimed(ctx context.Context, esc v1.Escalation)
}

// WSGateway is the WebSocket entrypoint for Pulse realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated commands to the Hub and the stores.
type WSGateway struct {
	log         *slog.Logger
	hub         *Hub
	messages    MessageStore
	escalations EscalationStore

	auth TokenVerifier
	sink EventSink

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption configures optional WSGateway collaborators.
type GatewayOption func(*WSGateway)

// WithAuth requires dashboard sessions to present a valid access token.
func WithAuth(v TokenVerifier) GatewayOption {
	return func(g *WSGateway) { g.auth = v }
}

// WithEventSink forwards escalation claims to an external sink.
func WithEventSink(s EventSink) GatewayOption {
	return func(g *WSGateway) { g.sink = s }
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/stores are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, messages MessageStore, escalations EscalationStore, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if messages == nil || escalations == nil {
		mem := NewInMemoryStore()
		if messages == nil {
			messages = mem
		}
		if escalations == nil {
			escalations = mem
		}
	}

	g := &WSGateway{log: log, hub: hub, messages: messages, escalations: escalations}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PULSE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PULSE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PULSE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PULSE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PULSE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PULSE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PULSE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PULSE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PULSE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PULSE_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	clientType := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientType == "" {
		clientType = "widget"
	}

	// Dashboard sessions authenticate before the upgrade so a bad token
	// costs a plain 401, not a websocket handshake.
	agentUserID := ""
	if g.auth != nil && clientType == "dashboard" {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := g.auth.Verify(r.Context(), token)
		if err != nil {
			g.log.Info("ws.reject.token", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		agentUserID = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Version},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Version {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Version)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, agentUserID, g.sendQueueSize)

	wsConnectsTotal.WithLabelValues(clientType).Inc()
	wsConnectionsActive.Inc()
	defer wsConnectionsActive.Dec()

	g.log.Info("ws.open", "session_id", sessionID, "client_type", clientType, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send stays open and room removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.RemoveEverywhere(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case raw := <-client.Send:
				if err := writeRaw(ctx, conn, raw, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		cmd, err := readCommand(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			rateLimitHitsTotal.Inc()
			g.respond(ctx, client, v1.CommandResponse{
				Status: v1.StatusError, Room: cmd.Room,
				Code: v1.CodeRateLimited, Message: "too many commands",
			})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := cmd.Validate(); err != nil {
			commandsTotal.WithLabelValues(cmd.Action, "rejected").Inc()
			g.respond(ctx, client, v1.CommandResponse{
				Status: v1.StatusError, Room: cmd.Room,
				Code: v1.CodeBadCommand, Message: err.Error(),
			})
			continue readLoop
		}

		var cmdErr error
		switch cmd.Action {
		case v1.ActionSubscribe:
			g.hub.GetOrCreateRoom(cmd.Room).Add(client)
			g.respond(ctx, client, v1.CommandResponse{Status: v1.StatusOK, Room: cmd.Room})

		case v1.ActionUnsubscribe:
			if room := g.hub.Room(cmd.Room); room != nil {
				room.Remove(sessionID)
			}
			g.respond(ctx, client, v1.CommandResponse{Status: v1.StatusOK, Room: cmd.Room})

		case v1.ActionPublish:
			cmdErr = g.onPublish(ctx, client, cmd, now)

		case v1.ActionClaim:
			cmdErr = g.onClaim(ctx, client, cmd, now)
		}

		if cmdErr != nil {
			commandsTotal.WithLabelValues(cmd.Action, "failed").Inc()
			continue readLoop
		}
		commandsTotal.WithLabelValues(cmd.Action, "ok").Inc()
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onPublish persists conversation.message payloads then fans the stored copy
// out; all other event types are relayed verbatim (state snapshots, deltas).
func (g *WSGateway) onPublish(ctx context.Context, client *Client, cmd v1.Command, now time.Time) error {
	if cmd.EventType != v1.EventConversationMessage {
		g.hub.GetOrCreateRoom(cmd.Room).Broadcast(cmd.EventType, cmd.Data)
		g.respond(ctx, client, v1.CommandResponse{Status: v1.StatusOK, Room: cmd.Room})
		return nil
	}

	var msg v1.LiveMessage
	if err := json.Unmarshal(cmd.Data, &msg); err != nil {
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeBadCommand, Message: "invalid message payload",
		})
		return err
	}

	text := strings.TrimSpace(msg.Text)
	if msg.ConversationID == "" || text == "" {
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeBadCommand, Message: "missing conversationId or text",
		})
		return errors.New("invalid message payload")
	}
	if len([]rune(text)) > maxMessageChars {
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeBadCommand, Message: fmt.Sprintf("message too long: max=%d chars", maxMessageChars),
		})
		return errors.New("message too long")
	}

	sender := msg.SenderType
	if sender == "" {
		sender = v1.SenderAgent
	}

	res, err := g.messages.AppendMessage(ctx, AppendMessageInput{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Sender:         sender,
		Text:           text,
		Citations:      msg.Citations,
		Now:            now,
	})
	if err != nil {
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeBadCommand, Message: "store append failed",
		})
		return fmt.Errorf("store append: %w", err)
	}

	g.respond(ctx, client, v1.CommandResponse{Status: v1.StatusOK, Room: cmd.Room})

	// A duplicate append acks but never fans out twice.
	if res.Duplicated {
		return nil
	}

	stored := res.Stored
	out, _ := json.Marshal(v1.LiveMessage{
		ID:             stored.ID,
		ConversationID: stored.ConversationID,
		SenderType:     stored.Sender,
		Text:           stored.Text,
		SentAt:         stored.SentAt,
		Citations:      stored.Citations,
	})
	g.hub.GetOrCreateRoom(cmd.Room).Broadcast(v1.EventConversationMessage, out)
	return nil
}

// onClaim arbitrates a claim through the escalation store and announces the
// outcome to the conversation room.
func (g *WSGateway) onClaim(ctx context.Context, client *Client, cmd v1.Command, now time.Time) error {
	agentUserID := cmd.AgentUserID
	if client.AgentUserID != "" {
		// An authenticated session can only claim as itself.
		agentUserID = client.AgentUserID
	}

	esc, err := g.escalations.Claim(ctx, cmd.ConversationID, agentUserID, now)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		claimConflictsTotal.Inc()
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeAlreadyClaimed, Message: "conversation already claimed by another agent",
		})
		return err
	case errors.Is(err, ErrNoEscalation):
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeNotFound, Message: "no escalation for conversation",
		})
		return err
	case err != nil:
		g.respond(ctx, client, v1.CommandResponse{
			Status: v1.StatusError, Room: cmd.Room,
			Code: v1.CodeBadCommand, Message: "claim failed",
		})
		return err
	}

	g.respond(ctx, client, v1.CommandResponse{Status: v1.StatusOK, Room: cmd.Room})

	status := esc.Status
	delta, _ := json.Marshal(v1.EscalationDelta{
		ID:                  esc.ID,
		ConversationID:      esc.ConversationID,
		Status:              &status,
		AssignedAgentUserID: &esc.AssignedAgentUserID,
	})
	g.hub.GetOrCreateRoom(cmd.Room).Broadcast(v1.EventEscalationDelta, delta)

	state, _ := json.Marshal(v1.StateUpdate{
		ConversationID:      esc.ConversationID,
		EscalationID:        esc.ID,
		Status:              esc.Status,
		RequestedAt:         esc.RequestedAt,
		Reason:              esc.Reason,
		AssignedAgentUserID: esc.AssignedAgentUserID,
	})
	g.hub.GetOrCreateRoom(cmd.Room).Broadcast(v1.EventConversationState, state)

	if g.sink != nil {
		g.sink.EscalationClaimed(ctx, esc)
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) respond(ctx context.Context, client *Client, resp v1.CommandResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if !g.enqueue(ctx, client, raw) {
		g.log.Info("ws.respond.dropped", "session_id", client.SessionID, "room", resp.Room)
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, msg string) {
	raw, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	_ = g.enqueue(ctx, client, raw)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, raw json.RawMessage) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- raw:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func readCommand(ctx context.Context, conn *websocket.Conn) (v1.Command, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Command{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Command{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var cmd v1.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return v1.Command{}, err
	}
	return cmd, nil
}

func writeRaw(parent context.Context, conn *websocket.Conn, raw json.RawMessage, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}

func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	// Browsers cannot set headers on websocket upgrades; allow a query param.
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
