// Package api serves the Pulse REST surface the dashboard and widget hydrate
// from: the paged contact list, conversation history, and escalations.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Conversly/pulse/cmd/internal/realtime"
	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

const maxRequestBytes = 64 << 10

// EscalationEvents receives escalation lifecycle notifications for
// out-of-process fanout. Implementations must not block the request.
type EscalationEvents interface {
	EscalationRequested(ctx context.Context, esc v1.Escalation)
	EscalationResolved(ctx context.Context, esc v1.Escalation)
}

// Handler wires REST endpoints to the realtime stores.
type Handler struct {
	log         *slog.Logger
	contacts    realtime.ContactStore
	messages    realtime.MessageStore
	escalations realtime.EscalationStore

	opts handlerOptions
}

type handlerOptions struct {
	events EscalationEvents
}

// HandlerOption customizes a Handler.
type HandlerOption func(*handlerOptions)

// WithEscalationEvents forwards escalation request/resolve to an external sink.
func WithEscalationEvents(ev EscalationEvents) HandlerOption {
	return func(o *handlerOptions) { o.events = ev }
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, contacts realtime.ContactStore, messages realtime.MessageStore, escalations realtime.EscalationStore, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:         log,
		contacts:    contacts,
		messages:    messages,
		escalations: escalations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&h.opts)
		}
	}
	return h
}

// Register wires the REST routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/contacts", h.handleListContacts)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleHistory)
	mux.HandleFunc("GET /api/escalations", h.handleListEscalations)
	mux.HandleFunc("POST /api/escalations", h.handleRequestEscalation)
	mux.HandleFunc("POST /api/escalations/{id}/resolve", h.handleResolveEscalation)
}

func (h *Handler) handleListContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.contacts.ListContacts(r.Context(), realtime.ListContactsInput{
		OwnerID: strings.TrimSpace(q.Get("ownerId")),
		Search:  strings.TrimSpace(q.Get("search")),
		Limit:   limit,
		Cursor:  strings.TrimSpace(q.Get("cursor")),
	})
	if err != nil {
		h.log.Error("api.contacts.list.fail", "err", err)
		writeError(w, http.StatusBadRequest, "invalid cursor or query")
		return
	}

	if page.Data == nil {
		page.Data = []v1.Contact{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.PathValue("id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.messages.History(r.Context(), conversationID, limit)
	if err != nil {
		h.log.Error("api.history.fail", "conversation_id", conversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}

	items := make([]v1.HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		sentAt := m.SentAt
		items = append(items, v1.HistoryItem{
			ID:        m.ID,
			Type:      string(m.Sender),
			Content:   m.Text,
			CreatedAt: &sentAt,
			Citations: m.Citations,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		Data []v1.HistoryItem `json:"data"`
	}{Data: items})
}

func (h *Handler) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing ownerId")
		return
	}

	escs, err := h.escalations.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.log.Error("api.escalations.list.fail", "owner_id", ownerID, "err", err)
		writeError(w, http.StatusInternalServerError, "escalation query failed")
		return
	}
	if escs == nil {
		escs = []v1.Escalation{}
	}

	writeJSON(w, http.StatusOK, struct {
		Data []v1.Escalation `json:"data"`
	}{Data: escs})
}

func (h *Handler) handleRequestEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID        string `json:"ownerId"`
		ConversationID string `json:"conversationId"`
		Reason         string `json:"reason"`
	}
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "missing conversationId")
		return
	}

	esc, err := h.escalations.Request(r.Context(), realtime.RequestEscalationInput{
		OwnerID:        strings.TrimSpace(req.OwnerID),
		ConversationID: strings.TrimSpace(req.ConversationID),
		Reason:         strings.TrimSpace(req.Reason),
		Now:            time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("api.escalations.request.fail", "conversation_id", req.ConversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "escalation request failed")
		return
	}

	if h.opts.events != nil {
		h.opts.events.EscalationRequested(r.Context(), esc)
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (h *Handler) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := strings.TrimSpace(r.PathValue("id"))
	if escalationID == "" {
		writeError(w, http.StatusBadRequest, "missing escalation id")
		return
	}

	esc, err := h.escalations.Resolve(r.Context(), escalationID, time.Now().UTC())
	if errors.Is(err, realtime.ErrNoEscalation) {
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	}
	if err != nil {
		h.log.Error("api.escalations.resolve.fail", "escalation_id", escalationID, "err", err)
		writeError(w, http.StatusInternalServerError, "escalation resolve failed")
		return
	}

	if h.opts.events != nil {
		h.opts.events.EscalationResolved(r.Context(), esc)
	}
	writeJSON(w, http.StatusOK, esc)
}
