package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Conversly/pulse/cmd/internal/realtime"
	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

func newTestServer(t *testing.T) (*httptest.Server, *realtime.InMemoryStore) {
	t.Helper()

	store := realtime.NewInMemoryStore()
	h := NewHandler(slog.New(slog.DiscardHandler), store, store, store)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestListContactsEndpoint(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)
	ctx := context.Background()
	for _, c := range []v1.Contact{
		{ID: "c-1", OwnerID: "owner-1", Name: "Alice"},
		{ID: "c-2", OwnerID: "owner-1", Name: "Bob"},
		{ID: "c-3", OwnerID: "owner-1", Name: "Carol"},
	} {
		if err := store.UpsertContact(ctx, c); err != nil {
			t.Fatalf("UpsertContact: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/api/contacts?ownerId=owner-1&limit=2")
	if err != nil {
		t.Fatalf("GET /api/contacts: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("Content-Type=%q want application/json", got)
	}

	var page v1.ContactsPage
	decodeBody(t, resp, &page)
	if len(page.Data) != 2 || !page.HasMore || page.NextCursor == nil {
		t.Fatalf("page=%+v want two entries with a next cursor", page)
	}

	resp, err = http.Get(srv.URL + "/api/contacts?ownerId=owner-1&limit=2&cursor=" + *page.NextCursor)
	if err != nil {
		t.Fatalf("GET page two: %v", err)
	}
	decodeBody(t, resp, &page)
	if len(page.Data) != 1 || page.HasMore || page.Data[0].ID != "c-3" {
		t.Fatalf("page two=%+v want only c-3", page)
	}
}

func TestListContactsEmptyIsNotNull(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/contacts")
	if err != nil {
		t.Fatalf("GET /api/contacts: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw.Data) != "[]" {
		t.Fatalf("data=%s want=[]", raw.Data)
	}
}

func TestListContactsRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		url  string
	}{
		{"bad limit", "/api/contacts?limit=abc"},
		{"negative limit", "/api/contacts?limit=-1"},
		{"malformed cursor", "/api/contacts?cursor=bogus"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Get(srv.URL + tc.url)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.url, err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d want=400", resp.StatusCode)
			}
			var body errorResponse
			decodeBody(t, resp, &body)
			if body.Error == "" {
				t.Fatal("error envelope missing the error field")
			}
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		if _, err := store.AppendMessage(context.Background(), realtime.AppendMessageInput{
			ConversationID: "conv-1",
			Sender:         v1.SenderUser,
			Text:           text,
			Now:            at.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	resp, err := http.Get(srv.URL + "/api/conversations/conv-1/messages")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=200", resp.StatusCode)
	}

	var body struct {
		Data []v1.HistoryItem `json:"data"`
	}
	decodeBody(t, resp, &body)
	if len(body.Data) != 2 {
		t.Fatalf("history entries=%d want=2", len(body.Data))
	}
	first := body.Data[0]
	if first.Content != "first" || first.Type != "user" {
		t.Fatalf("first item=%+v want user/first", first)
	}
	if first.CreatedAt == nil || !first.CreatedAt.Equal(at) {
		t.Fatalf("first.CreatedAt=%v want=%v", first.CreatedAt, at)
	}
}

func TestEscalationLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"ownerId":"owner-1","conversationId":"conv-1","reason":"vip"}`)
	resp, err := http.Post(srv.URL+"/api/escalations", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/escalations: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d want=201", resp.StatusCode)
	}
	var esc v1.Escalation
	decodeBody(t, resp, &esc)
	if esc.ID == "" || esc.Status != v1.EscalationPending || esc.Reason != "vip" {
		t.Fatalf("created escalation=%+v want pending with reason", esc)
	}

	resp, err = http.Get(srv.URL + "/api/escalations?ownerId=owner-1")
	if err != nil {
		t.Fatalf("GET /api/escalations: %v", err)
	}
	var list struct {
		Data []v1.Escalation `json:"data"`
	}
	decodeBody(t, resp, &list)
	if len(list.Data) != 1 || list.Data[0].ID != esc.ID {
		t.Fatalf("list=%+v want the created escalation", list.Data)
	}

	resp, err = http.Post(srv.URL+"/api/escalations/"+esc.ID+"/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("POST resolve: %v", err)
	}
	var resolved v1.Escalation
	decodeBody(t, resp, &resolved)
	if resolved.Status != v1.EscalationResolved {
		t.Fatalf("resolved status=%q want=%q", resolved.Status, v1.EscalationResolved)
	}
}

func TestResolveUnknownEscalationIs404(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/escalations/esc-missing/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("POST resolve: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want=404", resp.StatusCode)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.Error == "" {
		t.Fatal("error envelope missing the error field")
	}
}

func TestRequestEscalationRejectsBadBodies(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"unknown field", `{"conversationId":"conv-1","bogus":true}`},
		{"missing conversation", `{"ownerId":"owner-1"}`},
		{"trailing data", `{"conversationId":"conv-1"}{"again":true}`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Post(srv.URL+"/api/escalations", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d want=400", resp.StatusCode)
			}
			_ = resp.Body.Close()
		})
	}
}

func TestListEscalationsRequiresOwner(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/escalations")
	if err != nil {
		t.Fatalf("GET /api/escalations: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want=400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

type recordedEvents struct {
	mu        sync.Mutex
	requested []v1.Escalation
	resolved  []v1.Escalation
}

func (r *recordedEvents) EscalationRequested(_ context.Context, esc v1.Escalation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested = append(r.requested, esc)
}

func (r *recordedEvents) EscalationResolved(_ context.Context, esc v1.Escalation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, esc)
}

func (r *recordedEvents) snapshot() (requested, resolved []v1.Escalation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.Escalation(nil), r.requested...), append([]v1.Escalation(nil), r.resolved...)
}

func TestEscalationEndpointsNotifyEventSink(t *testing.T) {
	t.Parallel()

	events := &recordedEvents{}
	store := realtime.NewInMemoryStore()
	h := NewHandler(slog.New(slog.DiscardHandler), store, store, store, WithEscalationEvents(events))
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	body := strings.NewReader(`{"ownerId":"owner-1","conversationId":"conv-1","reason":"vip"}`)
	resp, err := http.Post(srv.URL+"/api/escalations", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/escalations: %v", err)
	}
	var esc v1.Escalation
	decodeBody(t, resp, &esc)

	requested, resolved := events.snapshot()
	if len(requested) != 1 || requested[0].ID != esc.ID || requested[0].Status != v1.EscalationPending {
		t.Fatalf("requested events=%+v want one pending escalation %s", requested, esc.ID)
	}
	if len(resolved) != 0 {
		t.Fatalf("resolved events=%+v want none yet", resolved)
	}

	resp, err = http.Post(srv.URL+"/api/escalations/"+esc.ID+"/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("POST resolve: %v", err)
	}
	_ = resp.Body.Close()

	_, resolved = events.snapshot()
	if len(resolved) != 1 || resolved[0].ID != esc.ID || resolved[0].Status != v1.EscalationResolved {
		t.Fatalf("resolved events=%+v want one resolved escalation %s", resolved, esc.ID)
	}

	// A rejected request publishes nothing.
	resp, err = http.Post(srv.URL+"/api/escalations", "application/json", strings.NewReader(`{"reason":"x"}`))
	if err != nil {
		t.Fatalf("POST bad escalation: %v", err)
	}
	_ = resp.Body.Close()
	requested, _ = events.snapshot()
	if len(requested) != 1 {
		t.Fatalf("requested events=%d want still 1 after rejected body", len(requested))
	}
}
