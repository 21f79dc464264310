package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

type renditionResponse struct {
	Tier                   string  `json:"tier"`
	Label                  string  `json:"label"`
	Width                  int     `json:"width"`
	Height                 int     `json:"height"`
	BitrateKbps            int     `json:"bitrateKbps"`
	PlaylistPath           string  `json:"playlistPath,omitempty"`
	SegmentDurationSeconds float64 `json:"segmentDurationSeconds,omitempty"`
	SegmentCount           int     `json:"segmentCount,omitempty"`
	TotalSizeBytes         int64   `json:"totalSizeBytes,omitempty"`
	IsProcessed            bool    `json:"isProcessed"`
	Error                  string  `json:"error,omitempty"`
}

type assetResponse struct {
	ID                string  `json:"id"`
	Slug              string  `json:"slug"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	Progress          int     `json:"progress"`
	Error             string  `json:"error,omitempty"`
	OriginalFilename  string  `json:"originalFilename,omitempty"`
	OriginalSizeBytes int64   `json:"originalSizeBytes,omitempty"`
	DurationSeconds   float64 `json:"durationSeconds,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	FPS               float64 `json:"fps,omitempty"`
	Codec             string  `json:"codec,omitempty"`
	BitrateKbps       int     `json:"bitrateKbps,omitempty"`
	HasAudio          bool    `json:"hasAudio,omitempty"`

	MasterPlaylistPath string `json:"masterPlaylistPath,omitempty"`
	ThumbnailPath      string `json:"thumbnailPath,omitempty"`
	MetadataPath       string `json:"metadataPath,omitempty"`

	IsActive    bool    `json:"isActive"`
	PublishedAt *string `json:"publishedAt,omitempty"`
	StartedAt   *string `json:"processingStartedAt,omitempty"`
	CompletedAt *string `json:"processingCompletedAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`

	RecommendedTier string              `json:"recommendedTier,omitempty"`
	Renditions      []renditionResponse `json:"renditions,omitempty"`
}

type createAssetRequest struct {
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	SourcePath string `json:"sourcePath"`
	Priority   string `json:"priority"`
}

type uploadedMedia struct {
	tempPath     string
	size         int64
	originalName string
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339Nano)
	return &formatted
}

func newAssetResponse(asset models.Asset, renditions []models.Rendition) assetResponse {
	resp := assetResponse{
		ID:                 asset.ID,
		Slug:               asset.Slug,
		Title:              asset.Title,
		Status:             string(asset.Status),
		Progress:           asset.ProcessingProgress,
		Error:              asset.ProcessingError,
		OriginalFilename:   asset.OriginalFilename,
		OriginalSizeBytes:  asset.OriginalSizeBytes,
		DurationSeconds:    asset.DurationSeconds,
		Width:              asset.Width,
		Height:             asset.Height,
		FPS:                asset.FPS,
		Codec:              asset.Codec,
		BitrateKbps:        asset.BitrateKbps,
		HasAudio:           asset.HasAudio,
		MasterPlaylistPath: asset.MasterPlaylistPath,
		ThumbnailPath:      asset.ThumbnailPath,
		MetadataPath:       asset.MetadataPath,
		IsActive:           asset.IsActive,
		PublishedAt:        formatTimePtr(asset.PublishedAt),
		StartedAt:          formatTimePtr(asset.ProcessingStartedAt),
		CompletedAt:        formatTimePtr(asset.ProcessingCompletedAt),
		CreatedAt:          asset.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          asset.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(renditions) > 0 {
		resp.Renditions = make([]renditionResponse, 0, len(renditions))
		for _, rendition := range renditions {
			resp.Renditions = append(resp.Renditions, renditionResponse{
				Tier:                   string(rendition.Tier),
				Label:                  rendition.Label,
				Width:                  rendition.Width,
				Height:                 rendition.Height,
				BitrateKbps:            rendition.BitrateKbps,
				PlaylistPath:           rendition.PlaylistPath,
				SegmentDurationSeconds: rendition.SegmentDurationSeconds,
				SegmentCount:           rendition.SegmentCount,
				TotalSizeBytes:         rendition.TotalSizeBytes,
				IsProcessed:            rendition.IsProcessed,
				Error:                  rendition.ProcessingError,
			})
		}
	}
	return resp
}

func (h *Handler) Assets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAssets(w, r)
	case http.MethodPost:
		contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
		if strings.HasPrefix(contentType, "multipart/form-data") {
			h.createAssetFromMultipart(w, r)
			return
		}
		h.createAssetFromJSON(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	filter := storage.AssetFilter{
		Query: strings.TrimSpace(r.URL.Query().Get("q")),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = models.AssetStatus(strings.ToLower(status))
	}
	if active := strings.TrimSpace(r.URL.Query().Get("active")); active != "" {
		filter.ActiveOnly, _ = strconv.ParseBool(active)
	}
	if limit := strings.TrimSpace(r.URL.Query().Get("limit")); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	assets := h.Store.ListAssets(filter)
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, newAssetResponse(asset, nil))
	}
	writeJSON(w, http.StatusOK, response)
}

// AssetByID serves /api/assets/{idOrSlug} and the retry subresource.
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/assets/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset id missing"))
		return
	}
	parts := strings.Split(path, "/")
	ref := strings.TrimSpace(parts[0])

	asset, ok := h.Store.GetAsset(ref)
	if !ok {
		asset, ok = h.Store.GetAssetBySlug(ref)
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset %s not found", ref))
		return
	}

	if len(parts) > 1 {
		switch strings.TrimSpace(parts[1]) {
		case "retry":
			h.retryAsset(w, r, asset)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown asset resource %q", parts[1]))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		resp := newAssetResponse(asset, h.Store.ListRenditions(asset.ID))
		if device := strings.TrimSpace(r.URL.Query().Get("device")); device != "" {
			resp.RecommendedTier = string(models.RecommendedTier(device))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		h.deleteAsset(w, r, asset)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createAssetFromJSON(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sourcePath := strings.TrimSpace(req.SourcePath)
	if sourcePath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourcePath is required"))
		return
	}
	info, err := os.Stat(sourcePath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourcePath %s is not a readable file", sourcePath))
		return
	}

	asset, status, err := h.registerAsset(r, storage.CreateAssetParams{
		Title:             req.Title,
		Slug:              req.Slug,
		OriginalPath:      sourcePath,
		OriginalFilename:  filepath.Base(sourcePath),
		OriginalSizeBytes: info.Size(),
	}, req.Priority, nil)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAssetResponse(asset, nil))
}

func (h *Handler) createAssetFromMultipart(w http.ResponseWriter, r *http.Request) {
	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}

	var req createAssetRequest
	var media *uploadedMedia
	defer func() {
		if media != nil && media.tempPath != "" {
			_ = os.Remove(media.tempPath)
		}
	}()
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "file" {
			if media != nil {
				_ = part.Close()
				continue
			}
			saved, saveErr := saveMultipartFile(part)
			if saveErr != nil {
				writeError(w, http.StatusBadRequest, saveErr)
				return
			}
			media = saved
			continue
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr))
			return
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "title":
			req.Title = value
		case "slug":
			req.Slug = value
		case "priority":
			req.Priority = value
		}
	}
	if media == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file part is required"))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		name := media.originalName
		if ext := filepath.Ext(name); ext != "" {
			name = strings.TrimSuffix(name, ext)
		}
		req.Title = name
	}

	asset, status, err := h.registerAsset(r, storage.CreateAssetParams{
		Title:             req.Title,
		Slug:              req.Slug,
		OriginalPath:      media.tempPath,
		OriginalFilename:  media.originalName,
		OriginalSizeBytes: media.size,
	}, req.Priority, media)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAssetResponse(asset, nil))
}

// registerAsset creates the durable record, promotes uploaded bytes out of
// their temp location, and queues the first transcode run.
func (h *Handler) registerAsset(r *http.Request, params storage.CreateAssetParams, priority string, media *uploadedMedia) (models.Asset, int, error) {
	asset, err := h.Store.CreateAsset(params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, storage.ErrSlugTaken) {
			status = http.StatusConflict
		}
		return models.Asset{}, status, err
	}

	if media != nil {
		updated, attachErr := h.attachMedia(asset, media)
		if attachErr != nil {
			_ = h.Store.DeleteAsset(asset.ID)
			return models.Asset{}, http.StatusInternalServerError, attachErr
		}
		asset = updated
	}

	entry, err := h.Store.Enqueue(storage.EnqueueParams{
		AssetID:  asset.ID,
		Priority: models.ParsePriority(priority),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrActiveEntryExists) {
			status = http.StatusConflict
		}
		return models.Asset{}, status, err
	}

	h.recorder().ObserveUpload(asset.OriginalSizeBytes)
	h.publish(r, events.Event{Type: events.TypeUploaded, AssetID: asset.ID})
	h.publish(r, events.Event{Type: events.TypeQueued, AssetID: asset.ID, EntryID: entry.ID})
	h.nudgeWorkers()
	h.logger().Info("asset uploaded",
		"asset_id", asset.ID,
		"size_bytes", asset.OriginalSizeBytes,
		"priority", string(entry.Priority))
	return asset, 0, nil
}

func (h *Handler) attachMedia(asset models.Asset, media *uploadedMedia) (models.Asset, error) {
	source, err := os.Open(media.tempPath)
	if err != nil {
		return models.Asset{}, fmt.Errorf("reopen uploaded file: %w", err)
	}
	storedPath, _, err := h.Files.SaveOriginal(asset.ID, media.originalName, source)
	source.Close()
	if err != nil {
		return models.Asset{}, err
	}
	_ = os.Remove(media.tempPath)
	media.tempPath = ""

	updated, err := h.Store.UpdateAsset(asset.ID, storage.AssetUpdate{OriginalPath: &storedPath})
	if err != nil {
		_ = h.Files.Remove(storedPath)
		return models.Asset{}, err
	}
	return updated, nil
}

func saveMultipartFile(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	tmp, err := os.CreateTemp("", "vodforge-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return &uploadedMedia{
		tempPath:     tmp.Name(),
		size:         written,
		originalName: part.FileName(),
	}, nil
}

// retryAsset resets a failed asset and queues a fresh high-priority run.
func (h *Handler) retryAsset(w http.ResponseWriter, r *http.Request, asset models.Asset) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if asset.Status != models.AssetFailed {
		writeError(w, http.StatusConflict, fmt.Errorf("asset %s is %s, only failed assets can be retried", asset.ID, asset.Status))
		return
	}

	uploaded := models.AssetUploaded
	progress := 0
	clearError := ""
	reset, err := h.Store.UpdateAsset(asset.ID, storage.AssetUpdate{
		Status:             &uploaded,
		ProcessingProgress: &progress,
		ProcessingError:    &clearError,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entry, err := h.Store.Enqueue(storage.EnqueueParams{
		AssetID:  asset.ID,
		Priority: models.PriorityHigh,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrActiveEntryExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	h.publish(r, events.Event{Type: events.TypeQueued, AssetID: asset.ID, EntryID: entry.ID, Detail: "operator retry"})
	h.nudgeWorkers()
	h.logger().Info("asset retry queued", "asset_id", asset.ID, "entry_id", entry.ID)
	writeJSON(w, http.StatusAccepted, newAssetResponse(reset, nil))
}

func (h *Handler) deleteAsset(w http.ResponseWriter, r *http.Request, asset models.Asset) {
	active := h.Store.ListQueueEntries(storage.QueueFilter{AssetID: asset.ID, ActiveOnly: true})
	if len(active) > 0 {
		writeError(w, http.StatusConflict, fmt.Errorf("asset %s has an active queue entry, cancel it first", asset.ID))
		return
	}
	if err := h.Store.DeleteAsset(asset.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if asset.OriginalPath != "" {
		if err := h.Files.Remove(asset.OriginalPath); err != nil {
			h.logger().Warn("remove original file", "asset_id", asset.ID, "error", err)
		}
	}
	if err := h.Files.RemoveOutput(asset.ID); err != nil {
		h.logger().Warn("remove output directory", "asset_id", asset.ID, "error", err)
	}
	h.logger().Info("asset deleted", "asset_id", asset.ID)
	w.WriteHeader(http.StatusNoContent)
}
