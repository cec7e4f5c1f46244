// Package v1 defines the Pulse Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and clients to keep the wire protocol
// authoritative: the dashboard, the embeddable widget, and the Go SDK all
// speak exactly these shapes.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier negotiated as the WS subprotocol.
const Version = "pulse.realtime.v1"

// Command actions (wire-stable, client -> server).
const (
	// ActionSubscribe registers the session for a room's broadcasts.
	ActionSubscribe = "subscribe"
	// ActionUnsubscribe removes the session from a room.
	ActionUnsubscribe = "unsubscribe"
	// ActionPublish sends an agent message into a conversation room.
	ActionPublish = "publish"
	// ActionClaim claims an escalated conversation for a human agent.
	ActionClaim = "claim"
)

// Broadcast event types (wire-stable, server -> room members).
const (
	// EventConversationMessage carries a LiveMessage for a conversation room.
	EventConversationMessage = "conversation.message"
	// EventConversationState carries a full StateUpdate snapshot (last-write-wins).
	EventConversationState = "conversation.state"
	// EventEscalationDelta carries a partial EscalationDelta update.
	EventEscalationDelta = "escalation.delta"
)

// Command response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Well-known command rejection codes.
const (
	CodeAlreadyClaimed = "already_claimed"
	CodeNotFound       = "not_found"
	CodeBadCommand     = "bad_command"
	CodeRateLimited    = "rate_limited"
	CodeUnauthorized   = "unauthorized"
)

// Command is the client -> server envelope.
type Command struct {
	Action string `json:"action"`
	Room   string `json:"room"`

	// Claim fields.
	ConversationID string `json:"conversationId,omitempty"`
	AgentUserID    string `json:"agentUserId,omitempty"`

	// Publish fields.
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate performs strict structural validation for a Command.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Action) == "" {
		return errors.New("missing field: action")
	}
	if strings.TrimSpace(c.Room) == "" {
		return errors.New("missing field: room")
	}

	switch c.Action {
	case ActionSubscribe, ActionUnsubscribe:
		return nil
	case ActionPublish:
		if strings.TrimSpace(c.EventType) == "" {
			return errors.New("publish: missing field: eventType")
		}
		if len(c.Data) == 0 {
			return errors.New("publish: missing field: data")
		}
		return nil
	case ActionClaim:
		if strings.TrimSpace(c.ConversationID) == "" {
			return errors.New("claim: missing field: conversationId")
		}
		if strings.TrimSpace(c.AgentUserID) == "" {
			return errors.New("claim: missing field: agentUserId")
		}
		return nil
	default:
		return fmt.Errorf("unknown action: %q", c.Action)
	}
}

// NewSubscribeCommand builds the subscribe command for a room.
func NewSubscribeCommand(roomID string) Command {
	return Command{Action: ActionSubscribe, Room: roomID}
}

// NewUnsubscribeCommand builds the unsubscribe command for a room.
func NewUnsubscribeCommand(roomID string) Command {
	return Command{Action: ActionUnsubscribe, Room: roomID}
}

// Broadcast is a server -> client room event.
type Broadcast struct {
	RoomID    string          `json:"roomId"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// CommandResponse acknowledges or rejects a Command.
type CommandResponse struct {
	Status  string `json:"status"`
	Room    string `json:"room,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerMessage is the union of everything a client can read off the wire.
// Discrimination is by field presence:
//   - Error != ""            -> error envelope (log and drop)
//   - RoomID != ""           -> broadcast
//   - Status != ""           -> command response (routed by Room)
type ServerMessage struct {
	// Broadcast fields.
	RoomID    string          `json:"roomId,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Command response fields.
	Status  string `json:"status,omitempty"`
	Room    string `json:"room,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Error envelope.
	Error string `json:"error,omitempty"`
}

// RoutingRoom returns the room identifier this message should be delivered to,
// preferring the broadcast roomId over the command-response room.
func (m ServerMessage) RoutingRoom() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.Room
}

// ---- Conversation / agent-inbox payloads ----

// SenderType identifies who produced a chat message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAgent     SenderType = "agent"
	SenderAssistant SenderType = "assistant"
	SenderSystem    SenderType = "system"
)

// LiveMessage is the payload of EventConversationMessage.
// ID may be empty when the originating channel has no stable message id;
// clients derive a deterministic one in that case.
type LiveMessage struct {
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderType     SenderType `json:"senderType"`
	Text           string     `json:"text"`
	SentAt         time.Time  `json:"sentAt"`
	Citations      []string   `json:"citations,omitempty"`
}

// StateUpdate is the payload of EventConversationState.
// It is a full snapshot: receivers overwrite, never merge.
type StateUpdate struct {
	ConversationID      string    `json:"conversationId"`
	EscalationID        string    `json:"escalationId,omitempty"`
	Status              string    `json:"status,omitempty"`
	RequestedAt         time.Time `json:"requestedAt,omitzero"`
	Reason              string    `json:"reason,omitempty"`
	AssignedAgentUserID string    `json:"assignedAgentUserId,omitempty"`
}

// EscalationDelta is the payload of EventEscalationDelta.
// Pointer fields distinguish "absent" from "set to zero": absent fields are
// preserved from the receiver's existing record.
type EscalationDelta struct {
	ID                  string     `json:"id"`
	ConversationID      string     `json:"conversationId,omitempty"`
	Status              *string    `json:"status,omitempty"`
	Reason              *string    `json:"reason,omitempty"`
	AssignedAgentUserID *string    `json:"assignedAgentUserId,omitempty"`
	RequestedAt         *time.Time `json:"requestedAt,omitempty"`
}

// ---- REST payloads ----

// Escalation is a REST-sourced snapshot of a human-handoff request.
type Escalation struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"ownerId,omitempty"`
	ConversationID      string    `json:"conversationId"`
	Status              string    `json:"status"`
	RequestedAt         time.Time `json:"requestedAt"`
	Reason              string    `json:"reason,omitempty"`
	AssignedAgentUserID string    `json:"assignedAgentUserId,omitempty"`
}

// Escalation statuses.
const (
	EscalationPending  = "pending"
	EscalationClaimed  = "claimed"
	EscalationResolved = "resolved"
)

// Conversation is REST-sourced conversation metadata.
type Conversation struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contactId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Contact is one entry of the paged contact list.
type Contact struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Name       string    `json:"name"`
	Channel    string    `json:"channel,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt,omitzero"`
}

// ContactsPage is the paged contact list response.
// NextCursor is an opaque token; null means the listing is exhausted.
type ContactsPage struct {
	Data       []Contact `json:"data"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

// HistoryItem is one REST conversation-history entry as served by the API.
// Type uses the external enum ("user"|"assistant"|"system"|other); clients
// normalize it to SenderType, defaulting unknown values to SenderSystem.
type HistoryItem struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Citations []string   `json:"citations,omitempty"`
}
