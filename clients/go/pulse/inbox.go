package pulse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// maxOpenTabs caps the most-recent-first open conversation tab list.
const maxOpenTabs = 20

// ChatMessage is the aggregator's message shape.
type ChatMessage struct {
	ID             string
	ConversationID string
	Sender         v1.SenderType
	Text           string
	SentAt         time.Time
	Citations      []string
}

// ConversationState is the live-merged per-conversation view.
// Realtime updates overwrite it wholesale (last-write-wins).
type ConversationState struct {
	ConversationID      string
	EscalationID        string
	Status              string
	RequestedAt         time.Time
	Reason              string
	AssignedAgentUserID string
}

// HydrateInput carries REST-fetched snapshots into the aggregator.
// Either slice may be nil; hydration is safe to call repeatedly and partially.
type HydrateInput struct {
	Conversations []v1.Conversation
	Escalations   []v1.Escalation
}

// Inbox merges REST snapshots with realtime push events into a consistent
// per-conversation view: messages, escalation status, unread counts, and the
// open-tab list of the agent console.
//
// Concurrency model: no coordination beyond idempotent upserts. Concurrent
// calls from multiple event sources are expected and resolved by
// last-write-wins and id-based dedup, never by ordering guarantees. Message
// order within a conversation is append order as observed: REST history fully
// replaces, live messages append after, and nothing re-sorts by timestamp.
type Inbox struct {
	log *slog.Logger

	mu               sync.Mutex
	conversations    map[string]v1.Conversation
	escalations      map[string]v1.Escalation
	escalationByConv map[string]string
	messages         map[string][]ChatMessage
	msgSeen          map[string]map[string]struct{}
	states           map[string]ConversationState
	openTabs         []string
	activeID         string
	unread           map[string]int
	claimErrs        map[string]string
}

// NewInbox constructs an empty aggregator.
func NewInbox(log *slog.Logger) *Inbox {
	if log == nil {
		log = slog.Default()
	}
	return &Inbox{
		log:              log,
		conversations:    make(map[string]v1.Conversation),
		escalations:      make(map[string]v1.Escalation),
		escalationByConv: make(map[string]string),
		messages:         make(map[string][]ChatMessage),
		msgSeen:          make(map[string]map[string]struct{}),
		states:           make(map[string]ConversationState),
		unread:           make(map[string]int),
		claimErrs:        make(map[string]string),
	}
}

// HydrateSnapshots merges REST-fetched conversation and escalation records,
// overwriting by id, and keeps the conversation-to-escalation index in sync
// with the provided escalation records.
func (b *Inbox) HydrateSnapshots(in HydrateInput) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range in.Conversations {
		if c.ID == "" {
			continue
		}
		b.conversations[c.ID] = c
	}
	for _, e := range in.Escalations {
		if e.ID == "" {
			continue
		}
		b.escalations[e.ID] = e
		if e.ConversationID != "" {
			b.escalationByConv[e.ConversationID] = e.ID
		}
	}
}

// OpenConversation makes the conversation the active tab: it moves to the
// front of the most-recent-first tab list (capped), and its unread count is
// cleared.
func (b *Inbox) OpenConversation(id string) {
	if id == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tabs := make([]string, 0, len(b.openTabs)+1)
	tabs = append(tabs, id)
	for _, t := range b.openTabs {
		if t != id {
			tabs = append(tabs, t)
		}
	}
	if len(tabs) > maxOpenTabs {
		tabs = tabs[:maxOpenTabs]
	}
	b.openTabs = tabs
	b.activeID = id
	delete(b.unread, id)
}

// CloseConversationTab removes the tab. Closing the active tab activates the
// new first tab, or none when the list is empty.
func (b *Inbox) CloseConversationTab(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tabs := b.openTabs[:0]
	for _, t := range b.openTabs {
		if t != id {
			tabs = append(tabs, t)
		}
	}
	b.openTabs = tabs

	if b.activeID == id {
		if len(tabs) > 0 {
			b.activeID = tabs[0]
		} else {
			b.activeID = ""
		}
	}
}

// SetHistoryFromAPI replaces the conversation's full message list with the
// normalized REST history. REST history is authoritative: it replaces, it
// does not merge.
func (b *Inbox) SetHistoryFromAPI(conversationID string, items []v1.HistoryItem) {
	if conversationID == "" {
		return
	}

	msgs := make([]ChatMessage, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		sender := normalizeSender(it.Type)
		sentAt := time.Time{}
		if it.CreatedAt != nil {
			sentAt = *it.CreatedAt
		}
		id := it.ID
		if id == "" {
			id = DeriveMessageID(conversationID, sender, sentAt, it.Content)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		msgs = append(msgs, ChatMessage{
			ID:             id,
			ConversationID: conversationID,
			Sender:         sender,
			Text:           it.Content,
			SentAt:         sentAt,
			Citations:      it.Citations,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[conversationID] = msgs
	b.msgSeen[conversationID] = seen
}

// normalizeSender maps the external history type enum to SenderType.
// Unrecognized and system types default to SenderSystem.
func normalizeSender(typ string) v1.SenderType {
	switch typ {
	case "user":
		return v1.SenderUser
	case "assistant":
		return v1.SenderAssistant
	case "agent":
		return v1.SenderAgent
	default:
		return v1.SenderSystem
	}
}

// messageIDPrefixRunes bounds the text prefix folded into derived ids.
const messageIDPrefixRunes = 32

// DeriveMessageID builds a deterministic message id for events that arrive
// without a stable one, so duplicate delivery (e.g. reconnect replay) resolves
// to the same id and is absorbed by dedup.
func DeriveMessageID(conversationID string, sender v1.SenderType, sentAt time.Time, text string) string {
	prefix := []rune(text)
	if len(prefix) > messageIDPrefixRunes {
		prefix = prefix[:messageIDPrefixRunes]
	}
	return fmt.Sprintf("%s|%s|%d|%s", conversationID, sender, sentAt.UnixMilli(), string(prefix))
}

// AppendOption adjusts AppendLiveMessage behavior.
type AppendOption func(*appendOpts)

type appendOpts struct {
	bumpUnread bool
}

// WithoutUnreadBump suppresses the unread increment for this append.
func WithoutUnreadBump() AppendOption {
	return func(o *appendOpts) { o.bumpUnread = false }
}

// AppendLiveMessage appends one realtime message to its conversation.
// Messages without an id get the deterministic derived id; an id already
// present is skipped, making duplicate delivery idempotent. The conversation's
// unread counter is bumped unless it is the active one or the caller opted
// out.
func (b *Inbox) AppendLiveMessage(msg v1.LiveMessage, opts ...AppendOption) {
	if msg.ConversationID == "" {
		return
	}

	o := appendOpts{bumpUnread: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	id := msg.ID
	if id == "" {
		id = DeriveMessageID(msg.ConversationID, msg.SenderType, msg.SentAt, msg.Text)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := b.msgSeen[msg.ConversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		b.msgSeen[msg.ConversationID] = seen
	}
	if _, dup := seen[id]; dup {
		return
	}
	seen[id] = struct{}{}

	b.messages[msg.ConversationID] = append(b.messages[msg.ConversationID], ChatMessage{
		ID:             id,
		ConversationID: msg.ConversationID,
		Sender:         msg.SenderType,
		Text:           msg.Text,
		SentAt:         msg.SentAt,
		Citations:      msg.Citations,
	})

	if o.bumpUnread && msg.ConversationID != b.activeID {
		b.unread[msg.ConversationID]++
	}
}

// UpsertStateUpdate overwrites the live state snapshot for a conversation.
// Last-write-wins: no merging with prior fields.
func (b *Inbox) UpsertStateUpdate(s v1.StateUpdate) {
	if s.ConversationID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[s.ConversationID] = ConversationState{
		ConversationID:      s.ConversationID,
		EscalationID:        s.EscalationID,
		Status:              s.Status,
		RequestedAt:         s.RequestedAt,
		Reason:              s.Reason,
		AssignedAgentUserID: s.AssignedAgentUserID,
	}
}

// HandleClaimResponse interprets the command response to a claim command.
// A rejection records the code for UI display keyed by conversation and
// leaves claim state untouched; a success clears any recorded error.
func (b *Inbox) HandleClaimResponse(conversationID string, resp v1.CommandResponse) {
	if conversationID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if resp.Status == v1.StatusError {
		code := resp.Code
		if code == "" {
			code = resp.Message
		}
		b.claimErrs[conversationID] = code
		b.log.Warn("inbox.claim.rejected", "conversation_id", conversationID, "code", code)
		return
	}
	delete(b.claimErrs, conversationID)
}

// UpsertEscalationDelta merges a partial escalation update by id: fields
// absent from the delta are preserved from the existing record. When the
// delta names a conversation, the conversation-to-escalation index follows.
func (b *Inbox) UpsertEscalationDelta(d v1.EscalationDelta) {
	if d.ID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.escalations[d.ID]
	e.ID = d.ID
	if d.ConversationID != "" {
		e.ConversationID = d.ConversationID
	}
	if d.Status != nil {
		e.Status = *d.Status
	}
	if d.Reason != nil {
		e.Reason = *d.Reason
	}
	if d.AssignedAgentUserID != nil {
		e.AssignedAgentUserID = *d.AssignedAgentUserID
	}
	if d.RequestedAt != nil {
		e.RequestedAt = *d.RequestedAt
	}
	b.escalations[d.ID] = e

	if e.ConversationID != "" {
		b.escalationByConv[e.ConversationID] = e.ID
	}
}

// ---- read accessors ----

// Messages returns a copy of the conversation's messages in append order.
func (b *Inbox) Messages(conversationID string) []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatMessage(nil), b.messages[conversationID]...)
}

// UnreadCount returns the unread counter for a conversation.
func (b *Inbox) UnreadCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread[conversationID]
}

// ActiveConversation returns the active conversation id, or "".
func (b *Inbox) ActiveConversation() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeID
}

// OpenTabs returns a copy of the open tab list, most recent first.
func (b *Inbox) OpenTabs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.openTabs...)
}

// Escalation returns the escalation record by id.
func (b *Inbox) Escalation(id string) (v1.Escalation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.escalations[id]
	return e, ok
}

// EscalationForConversation resolves a conversation to its escalation record.
func (b *Inbox) EscalationForConversation(conversationID string) (v1.Escalation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.escalationByConv[conversationID]
	if !ok {
		return v1.Escalation{}, false
	}
	e, ok := b.escalations[id]
	return e, ok
}

// State returns the live-merged state snapshot for a conversation.
func (b *Inbox) State(conversationID string) (ConversationState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[conversationID]
	return s, ok
}

// LastClaimError returns the recorded claim rejection code for a
// conversation, or "" when none is recorded.
func (b *Inbox) LastClaimError(conversationID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimErrs[conversationID]
}
