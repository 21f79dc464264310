package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

type queueEntryResponse struct {
	ID                 string  `json:"id"`
	AssetID            string  `json:"assetId"`
	Priority           string  `json:"priority"`
	Status             string  `json:"status"`
	WorkerID           string  `json:"workerId,omitempty"`
	CurrentStep        string  `json:"currentStep,omitempty"`
	ProgressPercentage int     `json:"progressPercentage"`
	QueuedAt           string  `json:"queuedAt"`
	StartedAt          *string `json:"startedAt,omitempty"`
	CompletedAt        *string `json:"completedAt,omitempty"`
	NextAttemptAt      *string `json:"nextAttemptAt,omitempty"`
	RetryCount         int     `json:"retryCount"`
	MaxRetries         int     `json:"maxRetries"`
	ErrorMessage       string  `json:"errorMessage,omitempty"`
}

func newQueueEntryResponse(entry models.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:                 entry.ID,
		AssetID:            entry.AssetID,
		Priority:           string(entry.Priority),
		Status:             string(entry.Status),
		WorkerID:           entry.WorkerID,
		CurrentStep:        entry.CurrentStep,
		ProgressPercentage: entry.ProgressPercentage,
		QueuedAt:           entry.QueuedAt.Format(time.RFC3339Nano),
		StartedAt:          formatTimePtr(entry.StartedAt),
		CompletedAt:        formatTimePtr(entry.CompletedAt),
		NextAttemptAt:      formatTimePtr(entry.NextAttemptAt),
		RetryCount:         entry.RetryCount,
		MaxRetries:         entry.MaxRetries,
		ErrorMessage:       entry.ErrorMessage,
	}
}

func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	filter := storage.QueueFilter{
		AssetID: strings.TrimSpace(r.URL.Query().Get("assetId")),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = models.EntryStatus(strings.ToLower(status))
	}
	if active := strings.TrimSpace(r.URL.Query().Get("active")); active != "" {
		filter.ActiveOnly, _ = strconv.ParseBool(active)
	}
	if limit := strings.TrimSpace(r.URL.Query().Get("limit")); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	entries := h.Store.ListQueueEntries(filter)
	response := make([]queueEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, newQueueEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, response)
}

// QueueEntryByID serves /api/queue/{id} plus the cancel and position
// subresources.
func (h *Handler) QueueEntryByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("queue entry id missing"))
		return
	}
	parts := strings.Split(path, "/")
	entryID := strings.TrimSpace(parts[0])
	entry, ok := h.Store.GetQueueEntry(entryID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("queue entry %s not found", entryID))
		return
	}

	if len(parts) > 1 {
		switch strings.TrimSpace(parts[1]) {
		case "cancel":
			h.cancelQueueEntry(w, r, entry)
		case "position":
			h.queuePosition(w, r, entry)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue resource %q", parts[1]))
		}
		return
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, newQueueEntryResponse(entry))
}

func (h *Handler) cancelQueueEntry(w http.ResponseWriter, r *http.Request, entry models.QueueEntry) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	cancelled, err := h.Store.CancelQueueEntry(entry.ID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, storage.ErrEntryNotFound):
			status = http.StatusNotFound
		case errors.Is(err, storage.ErrEntryNotCancellable):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	h.publish(r, events.Event{Type: events.TypeCancelled, AssetID: cancelled.AssetID, EntryID: cancelled.ID})
	h.logger().Info("queue entry cancelled", "entry_id", cancelled.ID, "asset_id", cancelled.AssetID)
	writeJSON(w, http.StatusOK, newQueueEntryResponse(cancelled))
}

func (h *Handler) queuePosition(w http.ResponseWriter, r *http.Request, entry models.QueueEntry) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	position, err := h.Store.QueuePosition(entry.ID)
	if err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entryId":  entry.ID,
		"status":   string(entry.Status),
		"position": position,
	})
}
