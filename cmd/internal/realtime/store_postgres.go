// Package realtime contains Pulse's realtime WebSocket gateway and persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// PostgresStore implements MessageStore, EscalationStore and ContactStore
// backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-conversation transactional advisory locks serialize message appends
//   and escalation claims, so exactly one agent can win a claim race.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pulse",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AppendMessage appends a message, idempotent per (conversation_id, id).
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
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
	sender := in.Sender
	if sender == "" {
		sender = v1.SenderSystem
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize writes per conversation so duplicate checks and inserts
	// cannot race. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	id := in.MessageID
	if id != "" {
		existing, err := readMessageByID(ctx, tx, messages, in.ConversationID, id)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	} else {
		id, err = NewMessageID(now)
		if err != nil {
			return AppendMessageResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender, text, sent_at, citations)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.ConversationID, string(sender), in.Text, now, in.Citations,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := StoredMessage{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         sender,
		Text:           in.Text,
		SentAt:         now,
		Citations:      in.Citations,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

// History returns up to limit messages ordered by (sent_at, id) ASC.
func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
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

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender, text, sent_at, citations
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY sent_at ASC, id ASC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var (
			m      StoredMessage
			sender string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &m.SentAt, &m.Citations); err != nil {
			return nil, err
		}
		m.Sender = v1.SenderType(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Request records a pending escalation, or returns the existing unresolved one.
func (s *PostgresStore) Request(ctx context.Context, in RequestEscalationInput) (v1.Escalation, error) {
	if s == nil || s.pool == nil {
		return v1.Escalation{}, errors.New("realtime: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return v1.Escalation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	escalations := pgIdent(s.schema, "escalations")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return v1.Escalation{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readEscalation(ctx, tx, escalations,
		`WHERE conversation_id = $1 AND status <> 'resolved'`, in.ConversationID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return v1.Escalation{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return v1.Escalation{}, err
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+escalations+` (id, owner_id, conversation_id, status, requested_at, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		esc.ID, esc.OwnerID, esc.ConversationID, esc.Status, esc.RequestedAt, esc.Reason,
	); err != nil {
		return v1.Escalation{}, fmt.Errorf("insert escalation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return v1.Escalation{}, err
	}
	return esc, nil
}

// Claim assigns the conversation's escalation to an agent. Exactly one agent
// wins under concurrency; the losers get ErrAlreadyClaimed.
func (s *PostgresStore) Claim(ctx context.Context, conversationID, agentUserID string, now time.Time) (v1.Escalation, error) {
	if s == nil || s.pool == nil {
		return v1.Escalation{}, errors.New("realtime: nil store")
	}
	if conversationID == "" || agentUserID == "" {
		return v1.Escalation{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return v1.Escalation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return v1.Escalation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	escalations := pgIdent(s.schema, "escalations")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return v1.Escalation{}, fmt.Errorf("advisory lock: %w", err)
	}

	esc, err := readEscalation(ctx, tx, escalations,
		`WHERE conversation_id = $1 AND status <> 'resolved'`, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Escalation{}, ErrNoEscalation
	}
	if err != nil {
		return v1.Escalation{}, err
	}

	switch {
	case esc.Status == v1.EscalationClaimed && esc.AssignedAgentUserID == agentUserID:
		if err := tx.Commit(ctx); err != nil {
			return v1.Escalation{}, err
		}
		return esc, nil
	case esc.Status == v1.EscalationClaimed:
		return v1.Escalation{}, ErrAlreadyClaimed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+escalations+`
		    SET status = $1, assigned_agent_user_id = $2, updated_at = $3
		  WHERE id = $4`,
		v1.EscalationClaimed, agentUserID, now, esc.ID,
	); err != nil {
		return v1.Escalation{}, err
	}

	esc.Status = v1.EscalationClaimed
	esc.AssignedAgentUserID = agentUserID

	if err := tx.Commit(ctx); err != nil {
		return v1.Escalation{}, err
	}
	return esc, nil
}

// Resolve marks an escalation resolved.
func (s *PostgresStore) Resolve(ctx context.Context, escalationID string, now time.Time) (v1.Escalation, error) {
	if s == nil || s.pool == nil {
		return v1.Escalation{}, errors.New("realtime: nil store")
	}
	if escalationID == "" {
		return v1.Escalation{}, errors.New("missing escalation id")
	}
	if err := ctx.Err(); err != nil {
		return v1.Escalation{}, err
	}

	escalations := pgIdent(s.schema, "escalations")

	var esc v1.Escalation
	err := s.pool.QueryRow(ctx,
		`UPDATE `+escalations+`
		    SET status = $1, updated_at = $2
		  WHERE id = $3
		RETURNING id, owner_id, conversation_id, status, requested_at, reason, COALESCE(assigned_agent_user_id, '')`,
		v1.EscalationResolved, now, escalationID,
	).Scan(&esc.ID, &esc.OwnerID, &esc.ConversationID, &esc.Status, &esc.RequestedAt, &esc.Reason, &esc.AssignedAgentUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Escalation{}, ErrNoEscalation
	}
	if err != nil {
		return v1.Escalation{}, err
	}
	return esc, nil
}

// ListByOwner returns an owner's escalations ordered by requested_at ASC.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]v1.Escalation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	escalations := pgIdent(s.schema, "escalations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, conversation_id, status, requested_at, reason, COALESCE(assigned_agent_user_id, '')
		   FROM `+escalations+`
		  WHERE owner_id = $1
		  ORDER BY requested_at ASC, id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]v1.Escalation, 0, 16)
	for rows.Next() {
		var esc v1.Escalation
		if err := rows.Scan(&esc.ID, &esc.OwnerID, &esc.ConversationID, &esc.Status, &esc.RequestedAt, &esc.Reason, &esc.AssignedAgentUserID); err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertContact inserts or overwrites a contact by id.
func (s *PostgresStore) UpsertContact(ctx context.Context, c v1.Contact) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if c.ID == "" {
		return errors.New("missing contact id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	contacts := pgIdent(s.schema, "contacts")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+contacts+` (id, owner_id, name, channel, phone, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id,
		   name = EXCLUDED.name,
		   channel = EXCLUDED.channel,
		   phone = EXCLUDED.phone,
		   last_seen_at = EXCLUDED.last_seen_at`,
		c.ID, c.OwnerID, c.Name, c.Channel, c.Phone, c.LastSeenAt,
	)
	return err
}

// ListContacts returns one page ordered by id ASC with opaque keyset cursors.
func (s *PostgresStore) ListContacts(ctx context.Context, in ListContactsInput) (v1.ContactsPage, error) {
	if s == nil || s.pool == nil {
		return v1.ContactsPage{}, errors.New("realtime: nil store")
	}
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
	fetch := limit + 1

	contacts := pgIdent(s.schema, "contacts")
	search := "%" + strings.TrimSpace(in.Search) + "%"

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, channel, phone, last_seen_at
		   FROM `+contacts+`
		  WHERE ($1 = '' OR owner_id = $1)
		    AND ($2 = '' OR id > $2)
		    AND ($3 = '%%' OR name ILIKE $3 OR phone ILIKE $3)
		  ORDER BY id ASC
		  LIMIT $4`,
		in.OwnerID, afterID, search, fetch,
	)
	if err != nil {
		return v1.ContactsPage{}, err
	}
	defer rows.Close()

	page := make([]v1.Contact, 0, fetch)
	for rows.Next() {
		var c v1.Contact
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Channel, &c.Phone, &c.LastSeenAt); err != nil {
			return v1.ContactsPage{}, err
		}
		page = append(page, c)
	}
	if err := rows.Err(); err != nil {
		return v1.ContactsPage{}, err
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	out := v1.ContactsPage{Data: page, HasMore: hasMore}
	if hasMore && len(page) > 0 {
		cursor := encodeContactCursor(page[len(page)-1].ID)
		out.NextCursor = &cursor
	}
	return out, nil
}

func readMessageByID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, id string) (StoredMessage, error) {
	var (
		m      StoredMessage
		sender string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, conversation_id, sender, text, sent_at, citations
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND id = $2`,
		conversationID, id,
	).Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &m.SentAt, &m.Citations)
	m.Sender = v1.SenderType(sender)
	return m, err
}

func readEscalation(ctx context.Context, tx pgx.Tx, table, where string, args ...any) (v1.Escalation, error) {
	var esc v1.Escalation
	err := tx.QueryRow(ctx,
		`SELECT id, owner_id, conversation_id, status, requested_at, reason, COALESCE(assigned_agent_user_id, '')
		   FROM `+table+` `+where,
		args...,
	).Scan(&esc.ID, &esc.OwnerID, &esc.ConversationID, &esc.Status, &esc.RequestedAt, &esc.Reason, &esc.AssignedAgentUserID)
	return esc, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
