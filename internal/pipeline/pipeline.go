// Package pipeline turns one claimed queue entry into a packaged HLS asset:
// probe, thumbnail, per-tier encode, master playlist, durable records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"vodforge/internal/assetstore"
	"vodforge/internal/manifest"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

const (
	// MasterPlaylistName is the filename of the multi-rendition playlist at
	// the root of an asset's output directory.
	MasterPlaylistName = "master.m3u8"
	// SidecarName is the technical metadata JSON written next to the
	// master playlist.
	SidecarName = "metadata.json"
	// ThumbnailName is the poster frame extracted from the source.
	ThumbnailName = "thumbnail.jpg"
)

// Mirrorer copies an asset's packaged output directory to remote object
// storage. See the objectstore package for the S3 implementation.
type Mirrorer interface {
	MirrorAsset(ctx context.Context, assetID, dir string) (int, error)
}

// Config tunes pipeline behaviour. Zero values fall back to defaults.
type Config struct {
	// SegmentDurationSeconds is the HLS segment length.
	SegmentDurationSeconds int
	// ThumbnailOffsetFraction places the poster frame within the source
	// duration.
	ThumbnailOffsetFraction float64
	// ThumbnailMaxWidth and ThumbnailMaxHeight bound the poster frame.
	ThumbnailMaxWidth  int
	ThumbnailMaxHeight int
	// Ladder is the rendition ladder, lowest tier first.
	Ladder []media.Preset
	// Mirror, when set, receives the packaged output after a successful
	// run. Mirror failures are logged and never fail the run.
	Mirror Mirrorer
}

func (c Config) normalized() Config {
	if c.SegmentDurationSeconds <= 0 {
		c.SegmentDurationSeconds = 4
	}
	if c.ThumbnailOffsetFraction <= 0 || c.ThumbnailOffsetFraction >= 1 {
		c.ThumbnailOffsetFraction = 0.25
	}
	if c.ThumbnailMaxWidth <= 0 {
		c.ThumbnailMaxWidth = 640
	}
	if c.ThumbnailMaxHeight <= 0 {
		c.ThumbnailMaxHeight = 360
	}
	if len(c.Ladder) == 0 {
		c.Ladder = media.DefaultLadder()
	}
	return c
}

// Pipeline executes transcode runs. It mutates asset and entry records as it
// goes so operators can watch progress through the API.
type Pipeline struct {
	repo     storage.Repository
	files    assetstore.Store
	engine   media.Engine
	logger   *slog.Logger
	recorder *metrics.Recorder
	cfg      Config
}

// New assembles a Pipeline. A nil logger falls back to slog.Default and a nil
// recorder to metrics.Default.
func New(repo storage.Repository, files assetstore.Store, engine media.Engine, logger *slog.Logger, recorder *metrics.Recorder, cfg Config) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Pipeline{
		repo:     repo,
		files:    files,
		engine:   engine,
		logger:   logger,
		recorder: recorder,
		cfg:      cfg.normalized(),
	}
}

// IsFatal reports whether the error admits no retry. Source inspection
// failures are fatal: a file ffprobe cannot decode will not decode better on
// the next attempt.
func IsFatal(err error) bool {
	var inspection *media.InspectionError
	return errors.As(err, &inspection)
}

// Process runs the full transcode for one claimed entry. On failure the
// asset's partial output directory is deleted; entry and asset status
// transitions are the caller's responsibility.
func (p *Pipeline) Process(ctx context.Context, entry models.QueueEntry) error {
	asset, ok := p.repo.GetAsset(entry.AssetID)
	if !ok {
		return fmt.Errorf("asset %s not found for entry %s", entry.AssetID, entry.ID)
	}
	logger := p.logger.With("asset_id", asset.ID, "entry_id", entry.ID)

	if err := p.markProcessing(asset.ID); err != nil {
		return err
	}

	if err := p.run(ctx, logger, asset, entry); err != nil {
		if cleanupErr := p.files.RemoveOutput(asset.ID); cleanupErr != nil {
			logger.Warn("cleanup after failure", "error", cleanupErr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, asset models.Asset, entry models.QueueEntry) error {
	outputDir := p.files.OutputDir(asset.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}

	// Probe the source first: everything downstream depends on its
	// dimensions and duration.
	meta, err := p.engine.Inspect(ctx, asset.OriginalPath)
	if err != nil {
		return err
	}
	if err := p.recordSourceMetadata(asset.ID, meta, outputDir); err != nil {
		return err
	}
	if err := p.report(entry.ID, asset.ID, 10, "metadata"); err != nil {
		return err
	}
	logger.Info("source inspected",
		"duration_s", meta.DurationSeconds,
		"resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		"codec", meta.Codec)

	p.extractThumbnail(ctx, logger, asset, meta, outputDir)
	if err := p.report(entry.ID, asset.ID, 15, "thumbnail"); err != nil {
		return err
	}

	renditions := make([]models.Rendition, 0, len(p.cfg.Ladder))
	total := len(p.cfg.Ladder)
	for i, preset := range p.cfg.Ladder {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := "encode:" + preset.Tier
		if err := p.reportStep(entry.ID, step); err != nil {
			return err
		}

		rendition, err := p.encodeTier(ctx, asset, meta, preset)
		if err != nil {
			return err
		}
		renditions = append(renditions, rendition)

		progress := 15 + int(math.Round(float64(i+1)*75/float64(total)))
		if err := p.report(entry.ID, asset.ID, progress, step); err != nil {
			return err
		}
		logger.Info("rendition ready", "tier", preset.Tier, "segments", rendition.SegmentCount)
	}

	masterPath := filepath.Join(outputDir, MasterPlaylistName)
	if err := manifest.WriteMaster(masterPath, renditions); err != nil {
		return err
	}
	if err := p.report(entry.ID, asset.ID, 95, "manifest"); err != nil {
		return err
	}

	if err := p.persistRenditions(asset.ID, renditions); err != nil {
		return err
	}
	if err := p.report(entry.ID, asset.ID, 98, "renditions"); err != nil {
		return err
	}

	if err := p.finalize(asset.ID, outputDir, masterPath); err != nil {
		return err
	}
	if err := p.report(entry.ID, asset.ID, 100, "completed"); err != nil {
		return err
	}
	p.mirrorOutput(ctx, logger, asset.ID, outputDir)
	logger.Info("asset ready", "renditions", len(renditions))
	return nil
}

// mirrorOutput is best effort: the asset is already served from local disk, so
// a failed remote copy only costs CDN warm-up.
func (p *Pipeline) mirrorOutput(ctx context.Context, logger *slog.Logger, assetID, outputDir string) {
	if p.cfg.Mirror == nil {
		return
	}
	count, err := p.cfg.Mirror.MirrorAsset(ctx, assetID, outputDir)
	if err != nil {
		logger.Warn("mirror to object storage failed", "error", err)
		return
	}
	logger.Info("output mirrored", "objects", count)
}

func (p *Pipeline) markProcessing(assetID string) error {
	status := models.AssetProcessing
	started := time.Now().UTC()
	progress := 0
	clearError := ""
	_, err := p.repo.UpdateAsset(assetID, storage.AssetUpdate{
		Status:              &status,
		ProcessingStartedAt: &started,
		ProcessingProgress:  &progress,
		ProcessingError:     &clearError,
	})
	if err != nil {
		return fmt.Errorf("mark asset processing: %w", err)
	}
	return nil
}

func (p *Pipeline) recordSourceMetadata(assetID string, meta media.Metadata, outputDir string) error {
	sidecarPath := filepath.Join(outputDir, SidecarName)
	if err := manifest.WriteSidecar(sidecarPath, meta); err != nil {
		return err
	}
	_, err := p.repo.UpdateAsset(assetID, storage.AssetUpdate{
		DurationSeconds: &meta.DurationSeconds,
		Width:           &meta.Width,
		Height:          &meta.Height,
		FPS:             &meta.FPS,
		Codec:           &meta.Codec,
		BitrateKbps:     &meta.BitrateKbps,
		HasAudio:        &meta.HasAudio,
		MetadataPath:    &sidecarPath,
	})
	if err != nil {
		return fmt.Errorf("record source metadata: %w", err)
	}
	return nil
}

// extractThumbnail is best effort: a missing poster frame never fails a run.
func (p *Pipeline) extractThumbnail(ctx context.Context, logger *slog.Logger, asset models.Asset, meta media.Metadata, outputDir string) {
	offset := 1.0
	if meta.DurationSeconds > 0 {
		offset = meta.DurationSeconds * p.cfg.ThumbnailOffsetFraction
	}
	thumbnailPath := filepath.Join(outputDir, ThumbnailName)
	err := p.engine.ExtractFrame(ctx, media.FrameJob{
		SourcePath:    asset.OriginalPath,
		OutputPath:    thumbnailPath,
		OffsetSeconds: offset,
		MaxWidth:      p.cfg.ThumbnailMaxWidth,
		MaxHeight:     p.cfg.ThumbnailMaxHeight,
	})
	if err != nil {
		logger.Warn("thumbnail extraction failed", "error", err)
		return
	}
	if _, err := p.repo.UpdateAsset(asset.ID, storage.AssetUpdate{ThumbnailPath: &thumbnailPath}); err != nil {
		logger.Warn("record thumbnail path", "error", err)
	}
}

func (p *Pipeline) encodeTier(ctx context.Context, asset models.Asset, meta media.Metadata, preset media.Preset) (models.Rendition, error) {
	started := time.Now()
	result, err := p.engine.Encode(ctx, media.EncodeJob{
		SourcePath:             asset.OriginalPath,
		OutputDir:              p.files.TierDir(asset.ID, preset.Tier),
		Preset:                 preset,
		Source:                 meta,
		SegmentDurationSeconds: p.cfg.SegmentDurationSeconds,
	})
	if err != nil {
		failure := err.Error()
		if _, upsertErr := p.repo.UpsertRendition(models.Rendition{
			AssetID:         asset.ID,
			Tier:            models.QualityTier(preset.Tier),
			Label:           preset.Label,
			ProcessingError: failure,
		}); upsertErr != nil {
			p.logger.Warn("record rendition failure", "tier", preset.Tier, "error", upsertErr)
		}
		return models.Rendition{}, err
	}
	p.recorder.ObserveEncode(preset.Tier, time.Since(started))

	return models.Rendition{
		AssetID:                asset.ID,
		Tier:                   models.QualityTier(preset.Tier),
		Label:                  preset.Label,
		Width:                  result.Width,
		Height:                 result.Height,
		BitrateKbps:            preset.VideoBitrateKbps,
		PlaylistPath:           result.PlaylistPath,
		SegmentDurationSeconds: float64(p.cfg.SegmentDurationSeconds),
		SegmentCount:           result.SegmentCount,
		TotalSizeBytes:         result.TotalSizeBytes,
		IsProcessed:            true,
	}, nil
}

func (p *Pipeline) persistRenditions(assetID string, renditions []models.Rendition) error {
	for _, rendition := range renditions {
		if _, err := p.repo.UpsertRendition(rendition); err != nil {
			return fmt.Errorf("record rendition %s: %w", rendition.Tier, err)
		}
	}
	return nil
}

func (p *Pipeline) finalize(assetID, outputDir, masterPath string) error {
	ready := models.AssetReady
	active := true
	now := time.Now().UTC()
	_, err := p.repo.UpdateAsset(assetID, storage.AssetUpdate{
		Status:                &ready,
		MasterPlaylistPath:    &masterPath,
		IsActive:              &active,
		PublishedAt:           &now,
		ProcessingCompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("finalize asset: %w", err)
	}
	return nil
}

// report mirrors the progress checkpoint onto both the queue entry and the
// asset record.
func (p *Pipeline) report(entryID, assetID string, progress int, step string) error {
	if _, err := p.repo.UpdateQueueEntry(entryID, storage.QueueEntryUpdate{
		ProgressPercentage: &progress,
		CurrentStep:        &step,
	}); err != nil {
		return fmt.Errorf("report progress %d: %w", progress, err)
	}
	if _, err := p.repo.UpdateAsset(assetID, storage.AssetUpdate{ProcessingProgress: &progress}); err != nil {
		return fmt.Errorf("report progress %d: %w", progress, err)
	}
	return nil
}

func (p *Pipeline) reportStep(entryID, step string) error {
	if _, err := p.repo.UpdateQueueEntry(entryID, storage.QueueEntryUpdate{CurrentStep: &step}); err != nil {
		return fmt.Errorf("report step %s: %w", step, err)
	}
	return nil
}
