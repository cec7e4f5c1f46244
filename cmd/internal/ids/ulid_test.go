package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 13, 10, 30, 0, 0, time.UTC)

	id, err := NewULID(at)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	parsed, err := ulid.Parse(id)
	if err != nil {
		t.Fatalf("ulid.Parse(%q): %v", id, err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(at) {
		t.Fatalf("embedded time=%v want=%v", got, at)
	}

	other, err := NewULID(at)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if other == id {
		t.Fatal("two ULIDs at the same instant are identical; entropy missing")
	}
}
