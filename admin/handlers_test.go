package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hemlock-io/relay/cache"
	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/store"
)

func newTestHandlers(t *testing.T) (*AdminHandlers, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewAdminHandlers(st, cache.New(time.Minute, time.Minute), nil, []string{"device"}), st
}

// withEventID attaches a chi route parameter to the request
func withEventID(r *http.Request, eventID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("eventID", eventID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func deadLetter(eventID string) store.DeadLetterRecord {
	return store.DeadLetterRecord{
		Event: event.ChangeEvent{
			EventID:   eventID,
			Kind:      event.KindDevice,
			EntityID:  "dev-1",
			Operation: event.OpUpdated,
		},
		LastError:     "legacy platform rejected the payload",
		Attempts:      3,
		FirstFailedAt: time.Now().Add(-time.Minute),
		LastFailedAt:  time.Now(),
	}
}

func TestPurgeDeadLetterRemovesRecord(t *testing.T) {
	h, st := newTestHandlers(t)
	if err := st.RecordDeadLetter(deadLetter("evt-1")); err != nil {
		t.Fatalf("failed to record dead letter: %v", err)
	}

	req := withEventID(httptest.NewRequest("DELETE", "/deadletters/evt-1", nil), "evt-1")
	rec := httptest.NewRecorder()
	h.handlePurgeDeadLetter(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("purge returned %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := st.GetDeadLetter("evt-1"); err != store.ErrNotFound {
		t.Fatalf("purged record must be gone, got %v", err)
	}
}

func TestPurgeUnknownDeadLetterReturnsNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := withEventID(httptest.NewRequest("DELETE", "/deadletters/evt-missing", nil), "evt-missing")
	rec := httptest.NewRecorder()
	h.handlePurgeDeadLetter(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("purging an unknown event id must return 404, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error response is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("error response must carry a reason")
	}
}

func TestGetUnknownDeadLetterReturnsNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := withEventID(httptest.NewRequest("GET", "/deadletters/evt-missing", nil), "evt-missing")
	rec := httptest.NewRecorder()
	h.handleGetDeadLetter(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
