// Package storage persists assets, renditions, and the transcode queue. Two
// repositories implement the same contract: a JSON-file-backed in-memory store
// for single-node deployments and tests, and a Postgres store for production.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/models"
)

type dataset struct {
	Assets     map[string]models.Asset       `json:"assets"`
	Renditions map[string][]models.Rendition `json:"renditions"`
	Queue      map[string]models.QueueEntry  `json:"queue"`
}

func newDataset() dataset {
	return dataset{
		Assets:     make(map[string]models.Asset),
		Renditions: make(map[string][]models.Rendition),
		Queue:      make(map[string]models.QueueEntry),
	}
}

// Storage is the JSON-file-backed repository. Every mutation is persisted
// atomically before it becomes visible, so a crash never leaves the file
// ahead of or behind the in-memory state.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	if s.data.Renditions == nil {
		s.data.Renditions = make(map[string][]models.Rendition)
	}
	if s.data.Queue == nil {
		s.data.Queue = make(map[string]models.QueueEntry)
	}
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func generateID() string {
	return uuid.NewString()
}

// Ping reports whether the backing file remains writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	return nil
}

// Close flushes the dataset a final time.
func (s *Storage) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *Storage) CreateAsset(params CreateAssetParams) (models.Asset, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Asset{}, fmt.Errorf("asset title is required")
	}
	originalPath := strings.TrimSpace(params.OriginalPath)
	if originalPath == "" {
		return models.Asset{}, fmt.Errorf("original path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	slug := strings.TrimSpace(params.Slug)
	if slug == "" {
		slug = models.Slugify(title)
	}
	for _, existing := range s.data.Assets {
		if existing.Slug == slug {
			return models.Asset{}, ErrSlugTaken
		}
	}

	now := s.now()
	asset := models.Asset{
		ID:                generateID(),
		Slug:              slug,
		Title:             title,
		OriginalPath:      originalPath,
		OriginalFilename:  strings.TrimSpace(params.OriginalFilename),
		OriginalSizeBytes: params.OriginalSizeBytes,
		Status:            models.AssetUploaded,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	s.data.Assets[asset.ID] = asset
	if err := s.persist(); err != nil {
		delete(s.data.Assets, asset.ID)
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Storage) GetAsset(id string) (models.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	return asset, ok
}

func (s *Storage) GetAssetBySlug(slug string) (models.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, asset := range s.data.Assets {
		if asset.Slug == slug {
			return asset, true
		}
	}
	return models.Asset{}, false
}

func (s *Storage) ListAssets(filter AssetFilter) []models.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	assets := make([]models.Asset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		if filter.Status != "" && asset.Status != filter.Status {
			continue
		}
		if filter.ActiveOnly && (!asset.IsActive || asset.Status != models.AssetReady) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(asset.Title), query) {
			continue
		}
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	if filter.Limit > 0 && len(assets) > filter.Limit {
		assets = assets[:filter.Limit]
	}
	return assets
}

func (s *Storage) UpdateAsset(id string, update AssetUpdate) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, ErrAssetNotFound
	}
	previous := asset

	applyAssetUpdate(&asset, update)
	asset.UpdatedAt = s.now()

	s.data.Assets[id] = asset
	if err := s.persist(); err != nil {
		s.data.Assets[id] = previous
		return models.Asset{}, err
	}
	return asset, nil
}

func applyAssetUpdate(asset *models.Asset, update AssetUpdate) {
	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			asset.Title = trimmed
		}
	}
	if update.Status != nil {
		asset.Status = *update.Status
	}
	if update.ProcessingProgress != nil {
		asset.ProcessingProgress = clampProgress(*update.ProcessingProgress)
	}
	if update.ProcessingError != nil {
		asset.ProcessingError = *update.ProcessingError
	}
	if update.DurationSeconds != nil {
		asset.DurationSeconds = *update.DurationSeconds
	}
	if update.Width != nil {
		asset.Width = *update.Width
	}
	if update.Height != nil {
		asset.Height = *update.Height
	}
	if update.FPS != nil {
		asset.FPS = *update.FPS
	}
	if update.Codec != nil {
		asset.Codec = *update.Codec
	}
	if update.BitrateKbps != nil {
		asset.BitrateKbps = *update.BitrateKbps
	}
	if update.HasAudio != nil {
		asset.HasAudio = *update.HasAudio
	}
	if update.OriginalPath != nil {
		if trimmed := strings.TrimSpace(*update.OriginalPath); trimmed != "" {
			asset.OriginalPath = trimmed
		}
	}
	if update.MasterPlaylistPath != nil {
		asset.MasterPlaylistPath = *update.MasterPlaylistPath
	}
	if update.MetadataPath != nil {
		asset.MetadataPath = *update.MetadataPath
	}
	if update.ThumbnailPath != nil {
		asset.ThumbnailPath = *update.ThumbnailPath
	}
	if update.ProcessingStartedAt != nil {
		started := update.ProcessingStartedAt.UTC()
		asset.ProcessingStartedAt = &started
	}
	if update.ProcessingCompletedAt != nil {
		completed := update.ProcessingCompletedAt.UTC()
		asset.ProcessingCompletedAt = &completed
	}
	if update.IsActive != nil {
		asset.IsActive = *update.IsActive
	}
	if update.PublishedAt != nil {
		published := update.PublishedAt.UTC()
		asset.PublishedAt = &published
	}
}

func clampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func (s *Storage) DeleteAsset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	asset, ok := s.data.Assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	renditions := s.data.Renditions[id]
	removedEntries := make(map[string]models.QueueEntry)
	for entryID, entry := range s.data.Queue {
		if entry.AssetID == id {
			removedEntries[entryID] = entry
			delete(s.data.Queue, entryID)
		}
	}
	delete(s.data.Assets, id)
	delete(s.data.Renditions, id)

	if err := s.persist(); err != nil {
		s.data.Assets[id] = asset
		if renditions != nil {
			s.data.Renditions[id] = renditions
		}
		for entryID, entry := range removedEntries {
			s.data.Queue[entryID] = entry
		}
		return err
	}
	return nil
}

func (s *Storage) UpsertRendition(rendition models.Rendition) (models.Rendition, error) {
	assetID := strings.TrimSpace(rendition.AssetID)
	if assetID == "" {
		return models.Rendition{}, fmt.Errorf("rendition asset id is required")
	}
	if rendition.Tier.Rank() == 0 {
		return models.Rendition{}, fmt.Errorf("unknown rendition tier %q", rendition.Tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if _, ok := s.data.Assets[assetID]; !ok {
		return models.Rendition{}, ErrAssetNotFound
	}

	now := s.now()
	rendition.AssetID = assetID
	rendition.UpdatedAt = now

	existing := s.data.Renditions[assetID]
	previous := append([]models.Rendition(nil), existing...)
	replaced := false
	for i, candidate := range existing {
		if candidate.Tier == rendition.Tier {
			rendition.CreatedAt = candidate.CreatedAt
			existing[i] = rendition
			replaced = true
			break
		}
	}
	if !replaced {
		rendition.CreatedAt = now
		existing = append(existing, rendition)
	}
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].Tier.Rank() < existing[j].Tier.Rank()
	})
	s.data.Renditions[assetID] = existing

	if err := s.persist(); err != nil {
		s.data.Renditions[assetID] = previous
		return models.Rendition{}, err
	}
	return rendition, nil
}

func (s *Storage) ListRenditions(assetID string) []models.Rendition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Rendition(nil), s.data.Renditions[assetID]...)
}

func (s *Storage) DeleteRenditions(assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	previous, ok := s.data.Renditions[assetID]
	if !ok {
		return nil
	}
	delete(s.data.Renditions, assetID)
	if err := s.persist(); err != nil {
		s.data.Renditions[assetID] = previous
		return err
	}
	return nil
}
