// Package api implements the HTTP surface: asset upload and retrieval, queue
// inspection, retry and cancel operations, and the health endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"vodforge/internal/assetstore"
	"vodforge/internal/events"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

// WorkNotifier wakes the scheduler after new work is enqueued.
// *scheduler.Scheduler satisfies it.
type WorkNotifier interface {
	Nudge()
}

type Handler struct {
	Store    storage.Repository
	Files    assetstore.Store
	Workers  WorkNotifier
	Events   events.Publisher
	Recorder *metrics.Recorder
	Logger   *slog.Logger

	// MaxUploadBytes caps multipart upload size. Zero means unlimited.
	MaxUploadBytes int64
}

func NewHandler(store storage.Repository, files assetstore.Store) *Handler {
	return &Handler{Store: store, Files: files}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Recorder != nil {
		return h.Recorder
	}
	return metrics.Default()
}

func (h *Handler) publish(r *http.Request, evt events.Event) {
	if h.Events == nil {
		return
	}
	events.LogPublishError(h.logger(), evt, h.Events.Publish(r.Context(), evt))
}

func (h *Handler) nudgeWorkers() {
	if h.Workers != nil {
		h.Workers.Nudge()
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger().Error("health check failed", "error", err)
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
