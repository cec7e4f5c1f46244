// Package events publishes Pulse escalation lifecycle events to an AMQP
// topic exchange so downstream services (CRM sync, analytics, on-call
// paging) can react without polling the API.
package events

import "time"

// Routing keys, versioned per event type.
const (
	KeyEscalationRequested = "escalation.requested.v1"
	KeyEscalationClaimed   = "escalation.claimed.v1"
	KeyEscalationResolved  = "escalation.resolved.v1"
)

// Meta carries event identity and tracing fields.
type Meta struct {
	// Unique event ID.
	ID string `json:"id"`
	// Trace / request correlation ID.
	CorrelationID string `json:"correlationId,omitempty"`
	// Emitting service and version.
	Producer string `json:"producer,omitempty"`
	// Timestamp when the event was emitted.
	Time time.Time `json:"time"`
	// Event name and version, e.g. escalation.claimed.v1.
	Type string `json:"type"`
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// EscalationEvent is the payload of every escalation.* event.
type EscalationEvent struct {
	EscalationID        string    `json:"escalationId"`
	OwnerID             string    `json:"ownerId,omitempty"`
	ConversationID      string    `json:"conversationId"`
	Status              string    `json:"status"`
	Reason              string    `json:"reason,omitempty"`
	AssignedAgentUserID string    `json:"assignedAgentUserId,omitempty"`
	RequestedAt         time.Time `json:"requestedAt"`
}
