package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vodforge/internal/assetstore"
	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

type fakeNotifier struct {
	mu     sync.Mutex
	nudges int
}

func (f *fakeNotifier) Nudge() {
	f.mu.Lock()
	f.nudges++
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nudges
}

type captureEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEvents) Publish(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureEvents) Close() error { return nil }

func (c *captureEvents) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

type testEnv struct {
	handler  *Handler
	store    *storage.Storage
	files    *assetstore.FileStore
	notifier *fakeNotifier
	sink     *captureEvents
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	files, err := assetstore.NewFileStore(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	notifier := &fakeNotifier{}
	sink := &captureEvents{}
	handler := NewHandler(store, files)
	handler.Workers = notifier
	handler.Events = sink
	return testEnv{handler: handler, store: store, files: files, notifier: notifier, sink: sink}
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.WriteString(part, content); err != nil {
			t.Fatalf("write file content: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func decodeAsset(t *testing.T, rr *httptest.ResponseRecorder) assetResponse {
	t.Helper()
	var resp assetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

func TestCreateAssetFromMultipart(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartUpload(t, map[string]string{
		"title":    "Launch Recap",
		"priority": "high",
	}, "recap final.mp4", "not really video")

	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.Assets(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeAsset(t, rr)
	if resp.Status != string(models.AssetUploaded) || resp.Slug != "launch-recap" {
		t.Fatalf("unexpected asset: %+v", resp)
	}
	if resp.OriginalSizeBytes != int64(len("not really video")) {
		t.Fatalf("size = %d", resp.OriginalSizeBytes)
	}

	stored, _ := env.store.GetAsset(resp.ID)
	if !env.files.Exists(stored.OriginalPath) {
		t.Fatalf("original file missing at %s", stored.OriginalPath)
	}
	if !strings.Contains(stored.OriginalPath, "originals") {
		t.Fatalf("original stored outside originals dir: %s", stored.OriginalPath)
	}

	entries := env.store.ListQueueEntries(storage.QueueFilter{AssetID: resp.ID})
	if len(entries) != 1 || entries[0].Priority != models.PriorityHigh {
		t.Fatalf("queue entries = %+v", entries)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("nudges = %d, want 1", env.notifier.count())
	}
	types := env.sink.types()
	if len(types) != 2 || types[0] != events.TypeUploaded || types[1] != events.TypeQueued {
		t.Fatalf("event types = %v", types)
	}
}

func TestCreateAssetRequiresFilePart(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartUpload(t, map[string]string{"title": "No File"}, "", "")

	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.Assets(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateAssetFromJSON(t *testing.T) {
	env := newTestEnv(t)
	source := filepath.Join(t.TempDir(), "ingest.mp4")
	if err := os.WriteFile(source, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	payload := `{"title":"Backfill","sourcePath":"` + source + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/assets", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.handler.Assets(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeAsset(t, rr)
	stored, _ := env.store.GetAsset(resp.ID)
	if stored.OriginalPath != source {
		t.Fatalf("original path = %s, want %s", stored.OriginalPath, source)
	}
}

func TestCreateAssetRejectsMissingSource(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"title":"Broken","sourcePath":"/nonexistent/file.mp4"}`
	req := httptest.NewRequest(http.MethodPost, "/api/assets", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	env.handler.Assets(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func createReadyAsset(t *testing.T, env testEnv, title string) models.Asset {
	t.Helper()
	source := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(source, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	asset, err := env.store.CreateAsset(storage.CreateAssetParams{Title: title, OriginalPath: source})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	return asset
}

func TestAssetLookupBySlugWithDeviceHint(t *testing.T) {
	env := newTestEnv(t)
	asset := createReadyAsset(t, env, "Device Hints")

	req := httptest.NewRequest(http.MethodGet, "/api/assets/"+asset.Slug+"?device=mobile", nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeAsset(t, rr)
	if resp.ID != asset.ID {
		t.Fatalf("slug lookup returned %s", resp.ID)
	}
	if resp.RecommendedTier != string(models.TierLow) {
		t.Fatalf("recommendedTier = %q, want low", resp.RecommendedTier)
	}
}

func TestAssetNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/assets/missing", nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestRetryRequiresFailedAsset(t *testing.T) {
	env := newTestEnv(t)
	asset := createReadyAsset(t, env, "Not Failed Yet")

	req := httptest.NewRequest(http.MethodPost, "/api/assets/"+asset.ID+"/retry", nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestRetryResetsAssetAndQueuesHighPriority(t *testing.T) {
	env := newTestEnv(t)
	asset := createReadyAsset(t, env, "Failed Run")
	failed := models.AssetFailed
	message := "encode crashed"
	progress := 40
	if _, err := env.store.UpdateAsset(asset.ID, storage.AssetUpdate{
		Status:             &failed,
		ProcessingError:    &message,
		ProcessingProgress: &progress,
	}); err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/assets/"+asset.ID+"/retry", nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeAsset(t, rr)
	if resp.Status != string(models.AssetUploaded) || resp.Progress != 0 || resp.Error != "" {
		t.Fatalf("asset not reset: %+v", resp)
	}

	entries := env.store.ListQueueEntries(storage.QueueFilter{AssetID: asset.ID, ActiveOnly: true})
	if len(entries) != 1 || entries[0].Priority != models.PriorityHigh {
		t.Fatalf("retry entry = %+v", entries)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("nudges = %d, want 1", env.notifier.count())
	}
}

func TestDeleteAssetBlockedByActiveEntry(t *testing.T) {
	env := newTestEnv(t)
	asset := createReadyAsset(t, env, "Busy Asset")
	if _, err := env.store.Enqueue(storage.EnqueueParams{AssetID: asset.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/assets/"+asset.ID, nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestDeleteAssetRemovesRecordsAndFiles(t *testing.T) {
	env := newTestEnv(t)
	asset := createReadyAsset(t, env, "Removable")

	req := httptest.NewRequest(http.MethodDelete, "/api/assets/"+asset.ID, nil)
	rr := httptest.NewRecorder()
	env.handler.AssetByID(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if _, ok := env.store.GetAsset(asset.ID); ok {
		t.Fatalf("asset record still present")
	}
	if env.files.Exists(asset.OriginalPath) {
		t.Fatalf("original file still present")
	}
}

func TestListAssetsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	first := createReadyAsset(t, env, "First Asset")
	createReadyAsset(t, env, "Second Asset")
	failed := models.AssetFailed
	if _, err := env.store.UpdateAsset(first.ID, storage.AssetUpdate{Status: &failed}); err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/assets?status=failed", nil)
	rr := httptest.NewRecorder()
	env.handler.Assets(rr, req)

	var resp []assetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != first.ID {
		t.Fatalf("filtered list = %+v", resp)
	}
}
