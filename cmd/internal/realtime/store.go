package realtime

import (
	"context"
	"errors"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// ErrAlreadyClaimed is returned when a different agent already claimed the
// conversation's escalation.
var ErrAlreadyClaimed = errors.New("realtime: escalation already claimed")

// ErrNoEscalation is returned when a conversation has no escalation on record.
var ErrNoEscalation = errors.New("realtime: no escalation for conversation")

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	Sender         v1.SenderType
	Text           string
	SentAt         time.Time
	Citations      []string
}

// MessageStore persists and queries conversation messages.
//
// Requirements:
//   - Idempotency per (conversation_id, message_id) when the caller supplies
//     a message id
//   - History query ordered by insertion (sent_at, id) ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	History(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	Close() error
}

// AppendMessageInput describes a message append request.
// MessageID may be empty; the store then allocates one.
type AppendMessageInput struct {
	ConversationID string
	MessageID      string
	Sender         v1.SenderType
	Text           string
	Citations      []string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// EscalationStore persists human-handoff requests and arbitrates claims.
type EscalationStore interface {
	// Request records a pending escalation for a conversation. Requesting
	// again while one is pending returns the existing record.
	Request(ctx context.Context, in RequestEscalationInput) (v1.Escalation, error)

	// Claim assigns the conversation's escalation to an agent.
	// Idempotent per agent: re-claiming by the same agent returns the
	// existing record; a different agent gets ErrAlreadyClaimed.
	Claim(ctx context.Context, conversationID, agentUserID string, now time.Time) (v1.Escalation, error)

	// Resolve marks an escalation resolved.
	Resolve(ctx context.Context, escalationID string, now time.Time) (v1.Escalation, error)

	// ListByOwner returns an owner's escalation snapshots.
	ListByOwner(ctx context.Context, ownerID string) ([]v1.Escalation, error)

	Close() error
}

// RequestEscalationInput describes a new escalation request.
type RequestEscalationInput struct {
	OwnerID        string
	ConversationID string
	Reason         string
	Now            time.Time
}

// ContactStore serves the paged contact listing.
type ContactStore interface {
	// ListContacts returns one page ordered by contact id ASC. Cursor is the
	// opaque token from the previous page; empty means the first page.
	ListContacts(ctx context.Context, in ListContactsInput) (v1.ContactsPage, error)

	// UpsertContact inserts or overwrites a contact by id.
	UpsertContact(ctx context.Context, c v1.Contact) error

	Close() error
}

// ListContactsInput describes one contact page request.
type ListContactsInput struct {
	OwnerID string
	Search  string
	Limit   int
	Cursor  string
}
