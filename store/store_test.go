package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/hemlock-io/relay/event"
)

func testRecord(id string) DeadLetterRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return DeadLetterRecord{
		Event: event.ChangeEvent{
			EventID:   id,
			Kind:      event.KindDevice,
			EntityID:  "dev-1",
			Operation: event.OpCreated,
			Payload:   map[string]interface{}{"name": "Sensor A"},
			OccurredAt: now,
		},
		LastError:     "legacy returned status 400",
		Attempts:      3,
		FirstFailedAt: now,
		LastFailedAt:  now.Add(time.Second),
	}
}

// runStoreContract exercises the Store behavior shared by all implementations
func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	// Dead letter round trip
	rec := testRecord("evt-1")
	if err := s.RecordDeadLetter(rec); err != nil {
		t.Fatalf("RecordDeadLetter failed: %v", err)
	}

	got, err := s.GetDeadLetter("evt-1")
	if err != nil {
		t.Fatalf("GetDeadLetter failed: %v", err)
	}
	if got.Event.EventID != "evt-1" || got.Event.EntityID != "dev-1" {
		t.Fatalf("record lost event identity: %+v", got.Event)
	}
	if got.LastError != rec.LastError || got.Attempts != rec.Attempts {
		t.Fatalf("record lost failure metadata: %+v", got)
	}
	if got.Event.Payload["name"] != "Sensor A" {
		t.Fatalf("record lost payload: %+v", got.Event.Payload)
	}

	if _, err := s.GetDeadLetter("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Re-recording the same event id overwrites, not duplicates
	rec.Attempts = 5
	if err := s.RecordDeadLetter(rec); err != nil {
		t.Fatalf("RecordDeadLetter overwrite failed: %v", err)
	}
	if n, _ := s.CountDeadLetters(); n != 1 {
		t.Fatalf("expected 1 record after overwrite, got %d", n)
	}

	// Pagination
	for i := 2; i <= 6; i++ {
		if err := s.RecordDeadLetter(testRecord(fmt.Sprintf("evt-%d", i))); err != nil {
			t.Fatalf("RecordDeadLetter failed: %v", err)
		}
	}

	page, hasMore, err := s.ListDeadLetters(4, "")
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(page) != 4 || !hasMore {
		t.Fatalf("expected 4 records and more, got %d hasMore=%v", len(page), hasMore)
	}

	rest, hasMore, err := s.ListDeadLetters(4, page[len(page)-1].Event.EventID)
	if err != nil {
		t.Fatalf("ListDeadLetters page 2 failed: %v", err)
	}
	if len(rest) != 2 || hasMore {
		t.Fatalf("expected final 2 records, got %d hasMore=%v", len(rest), hasMore)
	}

	// Removal
	if err := s.RemoveDeadLetter("evt-1"); err != nil {
		t.Fatalf("RemoveDeadLetter failed: %v", err)
	}
	if _, err := s.GetDeadLetter("evt-1"); err != ErrNotFound {
		t.Fatalf("removed record must be gone, got %v", err)
	}

	// Cursors are independent per partition
	if pos, _ := s.GetCursor("device"); pos != 0 {
		t.Fatalf("fresh cursor must be 0, got %d", pos)
	}
	if err := s.SetCursor("device", 42); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := s.SetCursor("asset", 7); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if pos, _ := s.GetCursor("device"); pos != 42 {
		t.Fatalf("expected cursor 42, got %d", pos)
	}
	if pos, _ := s.GetCursor("asset"); pos != 7 {
		t.Fatalf("expected cursor 7, got %d", pos)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreContract(t, s)
}

func TestPebbleStore(t *testing.T) {
	s, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	if err := s.RecordDeadLetter(testRecord("evt-persist")); err != nil {
		t.Fatalf("RecordDeadLetter failed: %v", err)
	}
	if err := s.SetCursor("device", 99); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetDeadLetter("evt-persist"); err != nil {
		t.Fatalf("dead letter lost across restart: %v", err)
	}
	if pos, _ := reopened.GetCursor("device"); pos != 99 {
		t.Fatalf("cursor lost across restart, got %d", pos)
	}
}
