package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

func TestAppendMessageDedup(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	first, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-1",
		MessageID:      "m-1",
		Sender:         v1.SenderAgent,
		Text:           "hello",
		Now:            at,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if first.Duplicated {
		t.Fatal("first append marked duplicated")
	}

	second, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: "conv-1",
		MessageID:      "m-1",
		Sender:         v1.SenderAgent,
		Text:           "hello resent",
		Now:            at.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("AppendMessage duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatal("duplicate append not marked duplicated")
	}
	if second.Stored.Text != "hello" {
		t.Fatalf("duplicate returned %q want original %q", second.Stored.Text, "hello")
	}

	msgs, err := s.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("history length=%d want=1", len(msgs))
	}
}

func TestAppendMessageAllocatesIDAndDefaults(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	res, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: "conv-1",
		Text:           "no id supplied",
		Now:            at,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if res.Stored.ID == "" {
		t.Fatal("store did not allocate a message id")
	}
	if res.Stored.Sender != v1.SenderSystem {
		t.Fatalf("default sender=%q want=%q", res.Stored.Sender, v1.SenderSystem)
	}
}

func TestAppendMessageRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	tests := []AppendMessageInput{
		{ConversationID: "", Text: "x"},
		{ConversationID: "conv-1", Text: ""},
	}
	for _, in := range tests {
		if _, err := s.AppendMessage(context.Background(), in); err == nil {
			t.Fatalf("AppendMessage(%+v)=nil error, want invalid input", in)
		}
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	// Inserted out of order on purpose.
	for _, m := range []struct {
		id  string
		off time.Duration
	}{
		{"m-c", 2 * time.Second},
		{"m-a", 0},
		{"m-b", time.Second},
		{"m-a2", 0}, // same timestamp as m-a, ordered by id
	} {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "conv-1",
			MessageID:      m.id,
			Text:           "text " + m.id,
			Now:            at.Add(m.off),
		}); err != nil {
			t.Fatalf("AppendMessage(%s): %v", m.id, err)
		}
	}

	msgs, err := s.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	wantOrder := []string{"m-a", "m-a2", "m-b", "m-c"}
	if len(msgs) != len(wantOrder) {
		t.Fatalf("history length=%d want=%d", len(msgs), len(wantOrder))
	}
	for i, want := range wantOrder {
		if msgs[i].ID != want {
			t.Fatalf("history[%d].ID=%q want=%q", i, msgs[i].ID, want)
		}
	}

	msgs, err = s.History(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("History limit=2: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-a" || msgs[1].ID != "m-a2" {
		t.Fatalf("limited history=%v want first two in order", msgs)
	}
}

func TestRequestEscalationIdempotentWhileUnresolved(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	in := RequestEscalationInput{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Reason:         "needs a human",
		Now:            at,
	}
	first, err := s.Request(ctx, in)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if first.Status != v1.EscalationPending {
		t.Fatalf("status=%q want=%q", first.Status, v1.EscalationPending)
	}

	again, err := s.Request(ctx, in)
	if err != nil {
		t.Fatalf("Request again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("second request created a new escalation %q, want existing %q", again.ID, first.ID)
	}

	// After resolution, a new request opens a fresh escalation.
	if _, err := s.Resolve(ctx, first.ID, at.Add(time.Minute)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fresh, err := s.Request(ctx, in)
	if err != nil {
		t.Fatalf("Request after resolve: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("request after resolve reused the resolved escalation")
	}
}

func TestClaimArbitration(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	if _, err := s.Claim(ctx, "conv-none", "agent-1", at); !errors.Is(err, ErrNoEscalation) {
		t.Fatalf("Claim without escalation err=%v want=%v", err, ErrNoEscalation)
	}

	esc, err := s.Request(ctx, RequestEscalationInput{OwnerID: "owner-1", ConversationID: "conv-1", Now: at})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	won, err := s.Claim(ctx, "conv-1", "agent-1", at)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if won.Status != v1.EscalationClaimed || won.AssignedAgentUserID != "agent-1" {
		t.Fatalf("claimed=%+v want claimed by agent-1", won)
	}

	// Same agent re-claiming is a no-op success.
	again, err := s.Claim(ctx, "conv-1", "agent-1", at.Add(time.Second))
	if err != nil {
		t.Fatalf("re-Claim by winner: %v", err)
	}
	if again.ID != won.ID {
		t.Fatalf("re-claim escalation id=%q want=%q", again.ID, won.ID)
	}

	// A different agent loses.
	if _, err := s.Claim(ctx, "conv-1", "agent-2", at.Add(time.Second)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Claim by loser err=%v want=%v", err, ErrAlreadyClaimed)
	}

	// A resolved escalation is no longer claimable.
	if _, err := s.Resolve(ctx, esc.ID, at.Add(time.Minute)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := s.Claim(ctx, "conv-1", "agent-2", at.Add(2*time.Minute)); !errors.Is(err, ErrNoEscalation) {
		t.Fatalf("Claim after resolve err=%v want=%v", err, ErrNoEscalation)
	}
}

func TestResolveUnknownEscalation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if _, err := s.Resolve(context.Background(), "esc-missing", time.Now()); !errors.Is(err, ErrNoEscalation) {
		t.Fatalf("Resolve err=%v want=%v", err, ErrNoEscalation)
	}
}

func TestListByOwnerFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	for i, owner := range []string{"owner-1", "owner-2", "owner-1"} {
		if _, err := s.Request(ctx, RequestEscalationInput{
			OwnerID:        owner,
			ConversationID: fmt.Sprintf("conv-%d", i),
			Now:            at.Add(time.Duration(3-i) * time.Minute),
		}); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	escs, err := s.ListByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(escs) != 2 {
		t.Fatalf("escalations=%d want=2", len(escs))
	}
	if escs[0].RequestedAt.After(escs[1].RequestedAt) {
		t.Fatalf("escalations not ordered by requested_at: %v then %v", escs[0].RequestedAt, escs[1].RequestedAt)
	}
	for _, e := range escs {
		if e.OwnerID != "owner-1" {
			t.Fatalf("escalation %q owner=%q want=owner-1", e.ID, e.OwnerID)
		}
	}
}

func seedContacts(t *testing.T, s *InMemoryStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		c := v1.Contact{
			ID:      fmt.Sprintf("contact-%03d", i),
			OwnerID: "owner-1",
			Name:    fmt.Sprintf("Person %03d", i),
			Phone:   fmt.Sprintf("+1555%04d", i),
		}
		if err := s.UpsertContact(context.Background(), c); err != nil {
			t.Fatalf("UpsertContact(%s): %v", c.ID, err)
		}
	}
}

func TestListContactsPagination(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	seedContacts(t, s, 5)

	page, err := s.ListContacts(ctx, ListContactsInput{OwnerID: "owner-1", Limit: 2})
	if err != nil {
		t.Fatalf("ListContacts page one: %v", err)
	}
	if len(page.Data) != 2 || !page.HasMore || page.NextCursor == nil {
		t.Fatalf("page one: data=%d hasMore=%v cursor=%v", len(page.Data), page.HasMore, page.NextCursor)
	}
	if page.Data[0].ID != "contact-001" || page.Data[1].ID != "contact-002" {
		t.Fatalf("page one ids=%q,%q want contact-001,contact-002", page.Data[0].ID, page.Data[1].ID)
	}

	page, err = s.ListContacts(ctx, ListContactsInput{OwnerID: "owner-1", Limit: 2, Cursor: *page.NextCursor})
	if err != nil {
		t.Fatalf("ListContacts page two: %v", err)
	}
	if page.Data[0].ID != "contact-003" || page.Data[1].ID != "contact-004" {
		t.Fatalf("page two ids=%q,%q want contact-003,contact-004", page.Data[0].ID, page.Data[1].ID)
	}

	page, err = s.ListContacts(ctx, ListContactsInput{OwnerID: "owner-1", Limit: 2, Cursor: *page.NextCursor})
	if err != nil {
		t.Fatalf("ListContacts last page: %v", err)
	}
	if len(page.Data) != 1 || page.HasMore || page.NextCursor != nil {
		t.Fatalf("last page: data=%d hasMore=%v cursor=%v want exhausted", len(page.Data), page.HasMore, page.NextCursor)
	}
}

func TestListContactsStableUnderInserts(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	seedContacts(t, s, 4)

	page, err := s.ListContacts(ctx, ListContactsInput{Limit: 2})
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}

	// An insert before the cursor position must not shift page two.
	if err := s.UpsertContact(ctx, v1.Contact{ID: "contact-000", OwnerID: "owner-1", Name: "Early"}); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	page, err = s.ListContacts(ctx, ListContactsInput{Limit: 2, Cursor: *page.NextCursor})
	if err != nil {
		t.Fatalf("ListContacts page two: %v", err)
	}
	if page.Data[0].ID != "contact-003" || page.Data[1].ID != "contact-004" {
		t.Fatalf("page two ids=%q,%q want unchanged contact-003,contact-004", page.Data[0].ID, page.Data[1].ID)
	}
}

func TestListContactsSearch(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	for _, c := range []v1.Contact{
		{ID: "c-1", OwnerID: "owner-1", Name: "Alice Johnson", Phone: "+15550001"},
		{ID: "c-2", OwnerID: "owner-1", Name: "Bob Smith", Phone: "+15550002"},
		{ID: "c-3", OwnerID: "owner-2", Name: "Alicia Keys", Phone: "+15550003"},
	} {
		if err := s.UpsertContact(ctx, c); err != nil {
			t.Fatalf("UpsertContact(%s): %v", c.ID, err)
		}
	}

	tests := []struct {
		name string
		in   ListContactsInput
		want []string
	}{
		{"name substring case-insensitive", ListContactsInput{Search: "aliC"}, []string{"c-1", "c-3"}},
		{"owner scoped", ListContactsInput{OwnerID: "owner-1", Search: "ali"}, []string{"c-1"}},
		{"phone substring", ListContactsInput{Search: "0002"}, []string{"c-2"}},
		{"no match", ListContactsInput{Search: "zzz"}, nil},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			page, err := s.ListContacts(context.Background(), tc.in)
			if err != nil {
				t.Fatalf("ListContacts(%+v): %v", tc.in, err)
			}
			if len(page.Data) != len(tc.want) {
				t.Fatalf("results=%d want=%d", len(page.Data), len(tc.want))
			}
			for i, want := range tc.want {
				if page.Data[i].ID != want {
					t.Fatalf("result[%d]=%q want=%q", i, page.Data[i].ID, want)
				}
			}
		})
	}
}

func TestListContactsMalformedCursor(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if _, err := s.ListContacts(context.Background(), ListContactsInput{Cursor: "bogus"}); err == nil {
		t.Fatal("ListContacts with malformed cursor=nil error")
	}
}
