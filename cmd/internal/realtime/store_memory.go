package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

const (
	memMaxMessagesPerConversation = 10_000

	defaultContactPageSize = 30
	maxContactPageSize     = 100
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements MessageStore, EscalationStore and ContactStore.
type InMemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memConv
	escs     map[string]v1.Escalation // escalation id -> record
	escByCnv map[string]string        // conversation id -> escalation id
	contacts map[string]v1.Contact    // contact id -> record
}

type memConv struct {
	dedupe map[string]StoredMessage // message id -> stored message
	msgs   []StoredMessage          // insertion ordered
}

// NewInMemoryStore constructs the in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*memConv),
		escs:     make(map[string]v1.Escalation),
		escByCnv: make(map[string]string),
		contacts: make(map[string]v1.Contact),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message, idempotent per (conversation, message id).
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ConversationID == "" || in.Text == "" {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.convs[in.ConversationID] = c
	}

	id := in.MessageID
	if id != "" {
		if existing, ok := c.dedupe[id]; ok {
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
	} else {
		var err error
		id, err = NewMessageID(now)
		if err != nil {
			return AppendMessageResult{}, err
		}
	}

	sender := in.Sender
	if sender == "" {
		sender = v1.SenderSystem
	}

	msg := StoredMessage{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         sender,
		Text:           in.Text,
		SentAt:         now,
		Citations:      append([]string(nil), in.Citations...),
	}
	c.dedupe[id] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// History returns up to limit messages ordered by (sent_at, id) ASC.
func (s *InMemoryStore) History(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	if conversationID == "" {
		return nil, errors.New("missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	c := s.convs[conversationID]
	var snap []StoredMessage
	if c != nil {
		snap = append([]StoredMessage(nil), c.msgs...)
	}
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].SentAt.Equal(snap[j].SentAt) {
			return snap[i].ID < snap[j].ID
		}
		return snap[i].SentAt.Before(snap[j].SentAt)
	})

	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}

// Request records a pending escalation, or returns the existing pending one.
func (s *InMemoryStore) Request(ctx context.Context, in RequestEscalationInput) (v1.Escalation, error) {
	if in.ConversationID == "" {
		return v1.Escalation{}, errors.New("missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return v1.Escalation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.escByCnv[in.ConversationID]; ok {
		if esc := s.escs[id]; esc.Status != v1.EscalationResolved {
			return esc, nil
		}
	}

	id, err := NewEscalationID(now)
	if err != nil {
		return v1.Escalation{}, err
	}

	esc := v1.Escalation{
		ID:             id,
		OwnerID:        in.OwnerID,
		ConversationID: in.ConversationID,
		Status:         v1.EscalationPending,
		RequestedAt:    now,
		Reason:         in.Reason,
	}
	s.escs[id] = esc
	s.escByCnv[in.ConversationID] = id
	return esc, nil
}

// Claim assigns the conversation's escalation to an agent.
func (s *InMemoryStore) Claim(ctx context.Context, conversationID, agentUserID string, now time.Time) (v1.Escalation, error) {
	if conversationID == "" || agentUserID == "" {
		return v1.Escalation{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return v1.Escalation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.escByCnv[conversationID]
	if !ok {
		return v1.Escalation{}, ErrNoEscalation
	}
	esc := s.escs[id]

	switch {
	case esc.Status == v1.EscalationClaimed && esc.AssignedAgentUserID == agentUserID:
		// Re-claim by the winner is a no-op.
		return esc, nil
	case esc.Status == v1.EscalationClaimed:
		return v1.Escalation{}, ErrAlreadyClaimed
	case esc.Status == v1.EscalationResolved:
		return v1.Escalation{}, ErrNoEscalation
	}

	esc.Status = v1.EscalationClaimed
	esc.AssignedAgentUserID = agentUserID
	s.escs[id] = esc
	return esc, nil
}

// Resolve marks an escalation resolved.
func (s *InMemoryStore) Resolve(ctx context.Context, escalationID string, now time.Time) (v1.Escalation, error) {
	if escalationID == "" {
		return v1.Escalation{}, errors.New("missing escalation id")
	}
	if err := ctx.Err(); err != nil {
		return v1.Escalation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escs[escalationID]
	if !ok {
		return v1.Escalation{}, ErrNoEscalation
	}
	esc.Status = v1.EscalationResolved
	s.escs[escalationID] = esc
	return esc, nil
}

// ListByOwner returns an owner's escalations ordered by requested_at ASC.
func (s *InMemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]v1.Escalation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]v1.Escalation, 0, len(s.escs))
	for _, esc := range s.escs {
		if ownerID == "" || esc.OwnerID == ownerID {
			out = append(out, esc)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

// UpsertContact inserts or overwrites a contact by id.
func (s *InMemoryStore) UpsertContact(ctx context.Context, c v1.Contact) error {
	if c.ID == "" {
		return errors.New("missing contact id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.contacts[c.ID] = c
	s.mu.Unlock()
	return nil
}

// ListContacts returns one page ordered by id ASC with opaque keyset cursors.
func (s *InMemoryStore) ListContacts(ctx context.Context, in ListContactsInput) (v1.ContactsPage, error) {
	if err := ctx.Err(); err != nil {
		return v1.ContactsPage{}, err
	}

	afterID, err := decodeContactCursor(in.Cursor)
	if err != nil {
		return v1.ContactsPage{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultContactPageSize
	}
	if limit > maxContactPageSize {
		limit = maxContactPageSize
	}

	search := strings.ToLower(strings.TrimSpace(in.Search))

	s.mu.Lock()
	all := make([]v1.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if in.OwnerID != "" && c.OwnerID != in.OwnerID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Name), search) &&
			!strings.Contains(strings.ToLower(c.Phone), search) {
			continue
		}
		all = append(all, c)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := 0
	if afterID != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].ID > afterID })
	}

	end := start + limit
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := append([]v1.Contact(nil), all[start:end]...)

	out := v1.ContactsPage{Data: page, HasMore: hasMore}
	if hasMore && len(page) > 0 {
		cursor := encodeContactCursor(page[len(page)-1].ID)
		out.NextCursor = &cursor
	}
	return out, nil
}
