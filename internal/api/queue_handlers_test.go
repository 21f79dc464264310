package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

func enqueueForAsset(t *testing.T, env testEnv, title string, priority models.QueuePriority) models.QueueEntry {
	t.Helper()
	asset := createReadyAsset(t, env, title)
	entry, err := env.store.Enqueue(storage.EnqueueParams{AssetID: asset.ID, Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return entry
}

func TestQueueListFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	first := enqueueForAsset(t, env, "Queued One", models.PriorityNormal)
	enqueueForAsset(t, env, "Queued Two", models.PriorityNormal)
	if _, err := env.store.CancelQueueEntry(first.ID); err != nil {
		t.Fatalf("CancelQueueEntry: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue?status=queued", nil)
	rr := httptest.NewRecorder()
	env.handler.Queue(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp []queueEntryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Status != string(models.EntryQueued) {
		t.Fatalf("filtered queue = %+v", resp)
	}
}

func TestQueueListOrdersByClaimPriority(t *testing.T) {
	env := newTestEnv(t)
	normal := enqueueForAsset(t, env, "Normal Priority", models.PriorityNormal)
	urgent := enqueueForAsset(t, env, "Urgent Priority", models.PriorityUrgent)

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	rr := httptest.NewRecorder()
	env.handler.Queue(rr, req)

	var resp []queueEntryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[0].ID != urgent.ID || resp[1].ID != normal.ID {
		t.Fatalf("queue order = %+v", resp)
	}
}

func TestGetQueueEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := enqueueForAsset(t, env, "Single Entry", models.PriorityNormal)

	req := httptest.NewRequest(http.MethodGet, "/api/queue/"+entry.ID, nil)
	rr := httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp queueEntryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != entry.ID || resp.MaxRetries != storage.DefaultMaxRetries {
		t.Fatalf("entry = %+v", resp)
	}
}

func TestCancelQueueEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := enqueueForAsset(t, env, "Cancellable", models.PriorityNormal)

	req := httptest.NewRequest(http.MethodPost, "/api/queue/"+entry.ID+"/cancel", nil)
	rr := httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp queueEntryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(models.EntryCancelled) {
		t.Fatalf("status = %s, want cancelled", resp.Status)
	}
	types := env.sink.types()
	if len(types) != 1 || types[0] != events.TypeCancelled {
		t.Fatalf("event types = %v", types)
	}
}

func TestCancelProcessingEntryConflicts(t *testing.T) {
	env := newTestEnv(t)
	entry := enqueueForAsset(t, env, "Already Claimed", models.PriorityNormal)
	if _, claimed, err := env.store.ClaimNextEntry("worker-1"); err != nil || !claimed {
		t.Fatalf("ClaimNextEntry: claimed=%v err=%v", claimed, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/queue/"+entry.ID+"/cancel", nil)
	rr := httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestQueuePositionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	first := enqueueForAsset(t, env, "Ahead", models.PriorityNormal)
	second := enqueueForAsset(t, env, "Behind", models.PriorityNormal)

	req := httptest.NewRequest(http.MethodGet, "/api/queue/"+second.ID+"/position", nil)
	rr := httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		EntryID  string `json:"entryId"`
		Position int    `json:"position"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Position != 2 {
		t.Fatalf("position = %d, want 2", resp.Position)
	}

	// Urgent work is claimed first but never pushes an earlier entry's
	// reported position back.
	enqueueForAsset(t, env, "Jumping Queue", models.PriorityUrgent)
	rr = httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, httptest.NewRequest(http.MethodGet, "/api/queue/"+first.ID+"/position", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Position != 1 {
		t.Fatalf("position after urgent enqueue = %d, want 1", resp.Position)
	}
}

func TestQueueEntryNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/queue/missing", nil)
	rr := httptest.NewRecorder()
	env.handler.QueueEntryByID(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
