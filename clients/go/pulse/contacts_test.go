package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// scriptedContactsAPI serves a fixed sequence of page responses and records
// every request it sees.
type scriptedContactsAPI struct {
	mu    sync.Mutex
	reqs  []ContactsQuery
	steps []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error)
}

func (a *scriptedContactsAPI) ListContacts(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, q)
	var step func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error)
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()
	if step == nil {
		return v1.ContactsPage{}, errors.New("unscripted request")
	}
	return step(ctx, q)
}

func (a *scriptedContactsAPI) requests() []ContactsQuery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ContactsQuery(nil), a.reqs...)
}

func okPage(cursor string, hasMore bool, ids ...string) func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
	return func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
		page := v1.ContactsPage{HasMore: hasMore, Data: make([]v1.Contact, 0, len(ids))}
		for _, id := range ids {
			page.Data = append(page.Data, v1.Contact{ID: id, OwnerID: q.OwnerID, Name: "contact " + id})
		}
		if cursor != "" {
			page.NextCursor = &cursor
		}
		return page, nil
	}
}

func failPage(err error) func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
	return func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
		return v1.ContactsPage{}, err
	}
}

func itemIDs(items []v1.Contact) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func sameIDs(got []v1.Contact, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, it := range got {
		if it.ID != want[i] {
			return false
		}
	}
	return true
}

func TestContactListPagesAppendWithDedup(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		okPage("c1", true, "a", "b"),
		// "b" arrives again on page two; it must be absorbed, not duplicated.
		okPage("", false, "b", "c"),
	}}
	l := NewContactList(api, WithPageSize(2))
	l.SetQuery(Filters{OwnerID: "owner-1"})

	if err := l.FetchFirstPage(context.Background()); err != nil {
		t.Fatalf("FetchFirstPage: %v", err)
	}
	snap := l.Snapshot()
	if !sameIDs(snap.Items, "a", "b") || !snap.HasMore || snap.Cursor != "c1" {
		t.Fatalf("after page one: items=%v cursor=%q hasMore=%v", itemIDs(snap.Items), snap.Cursor, snap.HasMore)
	}

	if err := l.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	snap = l.Snapshot()
	if !sameIDs(snap.Items, "a", "b", "c") {
		t.Fatalf("after page two: items=%v want=[a b c]", itemIDs(snap.Items))
	}
	if snap.HasMore || snap.Cursor != "" {
		t.Fatalf("after last page: cursor=%q hasMore=%v want exhausted", snap.Cursor, snap.HasMore)
	}

	// Exhausted: a further fetch never hits the API.
	if err := l.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("FetchNextPage after exhaustion: %v", err)
	}
	if got := len(api.requests()); got != 2 {
		t.Fatalf("api requests=%d want=2", got)
	}

	reqs := api.requests()
	if reqs[0].Cursor != "" || reqs[1].Cursor != "c1" {
		t.Fatalf("request cursors=%q,%q want=\"\",\"c1\"", reqs[0].Cursor, reqs[1].Cursor)
	}
}

func TestContactListSameQueryKeyKeepsItems(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		okPage("", false, "a"),
	}}
	l := NewContactList(api)
	l.SetQuery(Filters{OwnerID: "owner-1", Search: "ali"})
	if err := l.FetchFirstPage(context.Background()); err != nil {
		t.Fatalf("FetchFirstPage: %v", err)
	}

	l.SetQuery(Filters{OwnerID: "owner-1", Search: "ali"})
	if snap := l.Snapshot(); !sameIDs(snap.Items, "a") {
		t.Fatalf("items after same-key SetQuery=%v want=[a]", itemIDs(snap.Items))
	}
}

func TestContactListQueryChangeResets(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		okPage("c1", true, "a"),
	}}
	l := NewContactList(api)
	l.SetQuery(Filters{OwnerID: "owner-1"})
	if err := l.FetchFirstPage(context.Background()); err != nil {
		t.Fatalf("FetchFirstPage: %v", err)
	}

	l.SetQuery(Filters{OwnerID: "owner-1", Search: "bob"})
	snap := l.Snapshot()
	if len(snap.Items) != 0 || snap.Cursor != "" || !snap.HasMore {
		t.Fatalf("after query change: items=%v cursor=%q hasMore=%v want empty reset", itemIDs(snap.Items), snap.Cursor, snap.HasMore)
	}
}

func TestContactListStaleResponseDiscarded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
			close(started)
			<-release
			return okPage("stale", true, "stale-1")(ctx, q)
		},
	}}
	l := NewContactList(api)
	l.SetQuery(Filters{OwnerID: "owner-1"})

	done := make(chan error, 1)
	go func() { done <- l.FetchNextPage(context.Background()) }()

	<-started
	// The query context changes while the request is in flight; its response
	// must not mutate state when it eventually lands.
	l.SetQuery(Filters{OwnerID: "owner-2"})
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	snap := l.Snapshot()
	if len(snap.Items) != 0 || snap.Cursor != "" || snap.Err != nil {
		t.Fatalf("stale response applied: items=%v cursor=%q err=%v", itemIDs(snap.Items), snap.Cursor, snap.Err)
	}
}

func TestContactListCancellationIsNotAnError(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
			return v1.ContactsPage{}, context.Canceled
		},
	}}
	l := NewContactList(api)
	l.SetQuery(Filters{OwnerID: "owner-1"})

	if err := l.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	if err := l.Err(); err != nil {
		t.Fatalf("Err()=%v want=nil", err)
	}
}

func TestContactListNonFirstPageFailureRetriesFromStart(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		okPage("c1", true, "a", "b"),
		failPage(errors.New("boom")),
		okPage("c1", true, "a", "b"),
	}}
	l := NewContactList(api, WithPageSize(2))
	l.SetQuery(Filters{OwnerID: "owner-1"})

	if err := l.FetchFirstPage(context.Background()); err != nil {
		t.Fatalf("FetchFirstPage: %v", err)
	}

	// Page two fails, the list resets and retries exactly once from page one.
	if err := l.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("FetchNextPage after recovery: %v", err)
	}

	reqs := api.requests()
	if len(reqs) != 3 {
		t.Fatalf("api requests=%d want=3", len(reqs))
	}
	if reqs[1].Cursor != "c1" || reqs[2].Cursor != "" {
		t.Fatalf("retry cursors=%q,%q want=\"c1\",\"\"", reqs[1].Cursor, reqs[2].Cursor)
	}

	snap := l.Snapshot()
	if !sameIDs(snap.Items, "a", "b") || snap.Err != nil {
		t.Fatalf("after retry: items=%v err=%v", itemIDs(snap.Items), snap.Err)
	}
}

func TestContactListFirstPageFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	api := &scriptedContactsAPI{steps: []func(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error){
		failPage(wantErr),
	}}
	l := NewContactList(api)
	l.SetQuery(Filters{OwnerID: "owner-1"})

	if err := l.FetchNextPage(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("FetchNextPage err=%v want=%v", err, wantErr)
	}
	if got := len(api.requests()); got != 1 {
		t.Fatalf("api requests=%d want=1", got)
	}
	if err := l.Err(); !errors.Is(err, wantErr) {
		t.Fatalf("Err()=%v want=%v", err, wantErr)
	}
}

func TestContactListFetchRequiresQuery(t *testing.T) {
	t.Parallel()

	api := &scriptedContactsAPI{}
	l := NewContactList(api)

	if err := l.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("FetchNextPage: %v", err)
	}
	if got := len(api.requests()); got != 0 {
		t.Fatalf("api requests=%d want=0", got)
	}
}
