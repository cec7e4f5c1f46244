// Package main provides a CI-friendly WebSocket smoke test for Pulse realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - subscribe -> ok response
//   - publish conversation.message -> ok + fanout to another subscriber
//   - idempotent dedupe by message id (ack, no second fanout)
//   - unsubscribe stops delivery
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.ServerMessage
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "conversation:dev-1", "Room to subscribe")
		convID  = flag.String("conv", "dev-1", "Conversation ID for the published message")
		text    = flag.String("text", "hello pulse", "Message text to publish")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: origin=%q room=%q\n", *origin, *room)
	}

	mustSubscribe(root, a, *room, *timeout)
	mustSubscribe(root, b, *room, *timeout)

	msgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	mustPublish(root, a, *room, *convID, msgID, *text, *timeout)
	mustAssertBroadcast(root, b, *room, *convID, msgID, *text, *timeout)

	// Pulse fans the stored message back to every subscriber including the
	// publisher, so drain A's copy before the dedupe assertion.
	mustAssertBroadcast(root, a, *room, *convID, msgID, *text, *timeout)

	// Same message id: acked, never fanned out twice.
	mustPublish(root, a, *room, *convID, msgID, *text, *timeout)
	mustAssertNoBroadcast(root, b, 1200*time.Millisecond)
	mustAssertNoBroadcast(root, a, 1200*time.Millisecond)

	mustUnsubscribe(root, b, *room, *timeout)

	msgID2 := msgID + "-2"
	mustPublish(root, a, *room, *convID, msgID2, *text, *timeout)
	mustAssertBroadcast(root, a, *room, *convID, msgID2, *text, *timeout)
	mustAssertNoBroadcast(root, b, 1200*time.Millisecond)

	fmt.Printf("OK: room=%s conv_id=%s message_id=%s\n", *room, *convID, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Version},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if sp := strings.TrimSpace(conn.Subprotocol()); sp != "" && sp != v1.Version {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, v1.Version)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.ServerMessage, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var msg v1.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- msg:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	mustWriteCommand(parent, c.conn, v1.NewSubscribeCommand(room), stepTimeout)
	mustAssertOK(parent, c, room, stepTimeout)
}

func mustUnsubscribe(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	mustWriteCommand(parent, c.conn, v1.NewUnsubscribeCommand(room), stepTimeout)
	mustAssertOK(parent, c, room, stepTimeout)
}

func mustPublish(parent context.Context, c *smokeClient, room, convID, msgID, text string, stepTimeout time.Duration) {
	data := mustJSON(v1.LiveMessage{
		ID:             msgID,
		ConversationID: convID,
		SenderType:     v1.SenderAgent,
		Text:           text,
		SentAt:         time.Now().UTC(),
	})
	cmd := v1.Command{
		Action:    v1.ActionPublish,
		Room:      room,
		EventType: v1.EventConversationMessage,
		Data:      data,
	}
	mustWriteCommand(parent, c.conn, cmd, stepTimeout)
	mustAssertOK(parent, c, room, stepTimeout)
}

// mustAssertOK reads until a command response arrives, skipping broadcasts.
func mustAssertOK(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for ok response (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for ok (%s): %v", c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for ok (%s)", c.name)
			}
			if msg.Error != "" {
				fatalf("server error (%s): %s", c.name, msg.Error)
			}
			if msg.RoomID != "" {
				// Broadcast; not the response we're waiting for.
				continue
			}
			if msg.Status != v1.StatusOK {
				fatalf("command rejected (%s): status=%q code=%q msg=%q", c.name, msg.Status, msg.Code, msg.Message)
			}
			if msg.Room != room {
				fatalf("response room mismatch (%s): got=%q want=%q", c.name, msg.Room, room)
			}
			return
		}
	}
}

func mustAssertBroadcast(parent context.Context, c *smokeClient, room, convID, msgID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for broadcast (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for broadcast (%s): %v", c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for broadcast (%s)", c.name)
			}
			if msg.Error != "" {
				fatalf("server error (%s): %s", c.name, msg.Error)
			}
			if msg.RoomID == "" {
				continue
			}
			if msg.RoomID != room {
				fatalf("broadcast room mismatch (%s): got=%q want=%q", c.name, msg.RoomID, room)
			}
			if msg.EventType != v1.EventConversationMessage {
				fatalf("broadcast event mismatch (%s): got=%q", c.name, msg.EventType)
			}

			var m v1.LiveMessage
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				fatalf("unmarshal broadcast payload (%s): %v", c.name, err)
			}
			if m.ConversationID != convID {
				fatalf("broadcast conv_id mismatch (%s): got=%q want=%q", c.name, m.ConversationID, convID)
			}
			if m.ID != msgID {
				fatalf("broadcast message id mismatch (%s): got=%q want=%q", c.name, m.ID, msgID)
			}
			if m.Text != text {
				fatalf("broadcast text mismatch (%s): got=%q want=%q", c.name, m.Text, text)
			}
			if m.SentAt.IsZero() {
				fatalf("broadcast sent_at missing/zero (%s)", c.name)
			}
			return
		}
	}
}

func mustAssertNoBroadcast(parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if msg.Error != "" {
				fatalf("server error (%s): %s", c.name, msg.Error)
			}
			if msg.RoomID != "" {
				fatalf("unexpected broadcast received (%s): event=%q", c.name, msg.EventType)
			}
		}
	}
}

func mustWriteCommand(parent context.Context, conn *websocket.Conn, cmd v1.Command, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(cmd)
	if err != nil {
		fatalf("marshal command: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
