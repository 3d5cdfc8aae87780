package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/cache"
	"github.com/hemlock-io/relay/store"
)

// Replayer re-injects a dead-lettered event into the sync path
type Replayer interface {
	Replay(ctx context.Context, eventID string) error
}

// AdminHandlers handles the operational API endpoints
type AdminHandlers struct {
	store    store.Store
	cache    *cache.Cache
	replayer Replayer
	kinds    []string
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(st store.Store, c *cache.Cache, replayer Replayer, kinds []string) *AdminHandlers {
	return &AdminHandlers{
		store:    st,
		cache:    c,
		replayer: replayer,
		kinds:    kinds,
	}
}

func (h *AdminHandlers) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, hasMore, err := h.store.ListDeadLetters(limit, parseFrom(r))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	lastKey := ""
	if hasMore && len(records) > 0 {
		lastKey = records[len(records)-1].Event.EventID
	}
	writeJSONResponse(w, records, hasMore, lastKey)
}

func (h *AdminHandlers) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := pathParam(r, "eventID")

	rec, err := h.store.GetDeadLetter(eventID)
	if err == store.ErrNotFound {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("dead letter '%s' not found", eventID))
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, rec, false, "")
}

func (h *AdminHandlers) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := pathParam(r, "eventID")

	if err := h.replayer.Replay(r.Context(), eventID); err != nil {
		if err == store.ErrNotFound {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("dead letter '%s' not found", eventID))
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("event_id", eventID).Msg("Dead letter replayed")
	writeJSONResponse(w, map[string]string{"event_id": eventID, "status": "replayed"}, false, "")
}

func (h *AdminHandlers) handlePurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := pathParam(r, "eventID")

	// Removal is a blind delete in the store, so confirm the record exists
	// before reporting anything as purged.
	if _, err := h.store.GetDeadLetter(eventID); err != nil {
		if err == store.ErrNotFound {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("dead letter '%s' not found", eventID))
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.store.RemoveDeadLetter(eventID); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("event_id", eventID).Msg("Dead letter purged")
	writeJSONResponse(w, map[string]string{"event_id": eventID, "status": "purged"}, false, "")
}

func (h *AdminHandlers) handleCursors(w http.ResponseWriter, r *http.Request) {
	cursors := make(map[string]uint64, len(h.kinds))
	for _, kind := range h.kinds {
		pos, err := h.store.GetCursor(kind)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		cursors[kind] = pos
	}

	writeJSONResponse(w, cursors, false, "")
}

func (h *AdminHandlers) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.cache.Stats(), false, "")
}

func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.CountDeadLetters()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"status":               "ok",
		"pending_dead_letters": pending,
	}, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}
