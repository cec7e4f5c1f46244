package pulse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Conversly/pulse/clients/go/pulse/generation"
	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// contactsPageSize is the fixed page size for contact listings.
const contactsPageSize = 30

// Filters are the identifying parameters of a contact search.
// Two Filters with the same key describe the same query context.
type Filters struct {
	OwnerID string
	Search  string
}

func (f Filters) key() string {
	return f.OwnerID + "\x1f" + f.Search
}

// ContactsQuery is one page request against the contacts API.
type ContactsQuery struct {
	OwnerID string
	Search  string
	Limit   int
	Cursor  string
}

// ContactsAPI is the collaborator that serves contact pages.
type ContactsAPI interface {
	ListContacts(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error)
}

// ContactList manages cursor-based pagination for a searchable contact list.
//
// Guarantees:
//   - a cursor obtained under one query context is never used under another:
//     any context change is a hard reset (items, cursor, in-flight request)
//   - responses are applied only when their request generation is still
//     current at arrival time, so out-of-order network replies racing a reset
//     are discarded without mutating state
//   - the item list is append-only with id-keyed dedup; it is never re-sorted
//     and entries are only removed by a full reset
type ContactList struct {
	log      *slog.Logger
	api      ContactsAPI
	pageSize int

	gen generation.Counter

	mu       sync.Mutex
	filters  Filters
	queryKey string
	items    []v1.Contact
	seen     map[string]struct{}
	cursor   string
	hasMore  bool
	loading  bool
	lastErr  error
	cancel   context.CancelFunc
}

// ContactListOption configures ContactList behavior.
type ContactListOption func(*ContactList)

// WithContactListLogger sets the structured logger.
func WithContactListLogger(log *slog.Logger) ContactListOption {
	return func(l *ContactList) {
		if log != nil {
			l.log = log
		}
	}
}

// WithPageSize overrides the fixed page size.
func WithPageSize(n int) ContactListOption {
	return func(l *ContactList) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// NewContactList constructs a fetcher over the given API collaborator.
func NewContactList(api ContactsAPI, opts ...ContactListOption) *ContactList {
	l := &ContactList{
		log:      slog.Default(),
		api:      api,
		pageSize: contactsPageSize,
		seen:     make(map[string]struct{}),
		hasMore:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// SetQuery installs the query context. An unchanged key only refreshes the
// stored filters (reference-only churn); a changed key aborts any in-flight
// request, clears all pagination state, and advances the generation so a
// stale response resolving later is ignored.
func (l *ContactList) SetQuery(f Filters) {
	key := f.key()

	l.mu.Lock()
	defer l.mu.Unlock()

	if key == l.queryKey {
		l.filters = f
		return
	}

	l.filters = f
	l.queryKey = key
	l.resetLocked()
}

// resetLocked clears items/cursor/error, re-arms hasMore, cancels any
// in-flight request and advances the generation. Callers must hold l.mu.
func (l *ContactList) resetLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.items = nil
	l.seen = make(map[string]struct{})
	l.cursor = ""
	l.hasMore = true
	l.lastErr = nil
	l.loading = false
	l.gen.Next()
}

// FetchFirstPage resets pagination state and fetches page one.
func (l *ContactList) FetchFirstPage(ctx context.Context) error {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()
	return l.FetchNextPage(ctx)
}

// FetchNextPage fetches the next page under the current query context.
// It is a no-op while a fetch is in flight, when the listing is exhausted,
// or before any query context is set.
//
// A genuine failure on a non-first page resets the list and retries once from
// the beginning; the retry cannot recurse because the reset clears the cursor,
// making the retry a first-page fetch.
func (l *ContactList) FetchNextPage(ctx context.Context) error {
	retry, err := l.fetchPage(ctx)
	if retry {
		_, err = l.fetchPage(ctx)
	}
	return err
}

func (l *ContactList) fetchPage(ctx context.Context) (retry bool, err error) {
	l.mu.Lock()
	if l.loading || !l.hasMore || l.queryKey == "" {
		l.mu.Unlock()
		return false, nil
	}

	gen := l.gen.Next()
	reqCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.loading = true
	hadCursor := l.cursor != ""
	q := ContactsQuery{
		OwnerID: l.filters.OwnerID,
		Search:  l.filters.Search,
		Limit:   l.pageSize,
		Cursor:  l.cursor,
	}
	l.mu.Unlock()

	page, err := l.api.ListContacts(reqCtx, q)
	cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.gen.IsCurrent(gen) {
		// Superseded by a reset while in flight: discard without touching state.
		return false, nil
	}
	l.loading = false
	l.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Explicit cancellation is not an error: no error state, no retry.
			return false, nil
		}

		l.log.Warn("contacts.fetch.fail", "owner_id", q.OwnerID, "cursor", q.Cursor, "err", err)

		// Full reset avoids leaving inconsistent partial pages behind.
		l.items = nil
		l.seen = make(map[string]struct{})
		l.cursor = ""
		l.hasMore = true
		l.lastErr = err
		return hadCursor, err
	}

	for _, contact := range page.Data {
		if _, ok := l.seen[contact.ID]; ok {
			// Network replay of an already-seen id is silently absorbed.
			continue
		}
		l.seen[contact.ID] = struct{}{}
		l.items = append(l.items, contact)
	}
	if page.NextCursor != nil {
		l.cursor = *page.NextCursor
	} else {
		l.cursor = ""
	}
	l.hasMore = page.HasMore
	l.lastErr = nil
	return false, nil
}

// ContactListSnapshot is a point-in-time copy of the fetcher state.
type ContactListSnapshot struct {
	Items   []v1.Contact
	Cursor  string
	HasMore bool
	Loading bool
	Err     error
}

// Snapshot returns a copy of the current state for rendering.
func (l *ContactList) Snapshot() ContactListSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ContactListSnapshot{
		Items:   append([]v1.Contact(nil), l.items...),
		Cursor:  l.cursor,
		HasMore: l.hasMore,
		Loading: l.loading,
		Err:     l.lastErr,
	}
}

// Items returns a copy of the fetched contacts in first-seen order.
func (l *ContactList) Items() []v1.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]v1.Contact(nil), l.items...)
}

// Err returns the last genuine fetch failure, or nil.
func (l *ContactList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
