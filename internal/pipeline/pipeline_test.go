package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"vodforge/internal/assetstore"
	"vodforge/internal/media"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

type fakeEngine struct {
	meta       media.Metadata
	inspectErr error
	encodeErr  map[string]error
	frameErr   error

	encodedTiers []string
}

func (f *fakeEngine) Inspect(_ context.Context, _ string) (media.Metadata, error) {
	if f.inspectErr != nil {
		return media.Metadata{}, f.inspectErr
	}
	return f.meta, nil
}

func (f *fakeEngine) Encode(_ context.Context, job media.EncodeJob) (media.EncodeResult, error) {
	if err := f.encodeErr[job.Preset.Tier]; err != nil {
		return media.EncodeResult{}, err
	}
	f.encodedTiers = append(f.encodedTiers, job.Preset.Tier)
	width, height := media.ScaleDimensions(job.Source.Width, job.Source.Height, job.Preset.Width, job.Preset.Height)
	return media.EncodeResult{
		Width:          width,
		Height:         height,
		PlaylistPath:   filepath.Join(job.OutputDir, "playlist.m3u8"),
		SegmentCount:   17,
		TotalSizeBytes: 1 << 20,
	}, nil
}

func (f *fakeEngine) ExtractFrame(_ context.Context, job media.FrameJob) error {
	if f.frameErr != nil {
		return f.frameErr
	}
	return os.WriteFile(job.OutputPath, []byte("jpeg"), 0o644)
}

// progressRepo records every progress checkpoint written to the queue entry.
type progressRepo struct {
	storage.Repository
	progress []int
}

func (r *progressRepo) UpdateQueueEntry(id string, update storage.QueueEntryUpdate) (models.QueueEntry, error) {
	if update.ProgressPercentage != nil {
		r.progress = append(r.progress, *update.ProgressPercentage)
	}
	return r.Repository.UpdateQueueEntry(id, update)
}

func sourceMeta() media.Metadata {
	return media.Metadata{
		DurationSeconds: 120,
		Width:           1920,
		Height:          1080,
		FPS:             30,
		Codec:           "h264",
		BitrateKbps:     5400,
		SizeBytes:       80 << 20,
		HasAudio:        true,
		AudioCodec:      "aac",
	}
}

type fixture struct {
	repo   *progressRepo
	files  *assetstore.FileStore
	engine *fakeEngine
	asset  models.Asset
	entry  models.QueueEntry
}

func newFixture(t *testing.T, engine *fakeEngine) fixture {
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

	asset, err := store.CreateAsset(storage.CreateAssetParams{
		Title:        "Pipeline Test",
		OriginalPath: filepath.Join(dir, "source.mp4"),
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := store.Enqueue(storage.EnqueueParams{AssetID: asset.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, claimed, err := store.ClaimNextEntry("worker-test")
	if err != nil || !claimed {
		t.Fatalf("ClaimNextEntry: claimed=%v err=%v", claimed, err)
	}
	return fixture{
		repo:   &progressRepo{Repository: store},
		files:  files,
		engine: engine,
		asset:  asset,
		entry:  entry,
	}
}

func newPipeline(fx fixture) *Pipeline {
	return New(fx.repo, fx.files, fx.engine, nil, metrics.New(), Config{})
}

func TestProcessHappyPath(t *testing.T) {
	fx := newFixture(t, &fakeEngine{meta: sourceMeta()})
	p := newPipeline(fx)

	if err := p.Process(context.Background(), fx.entry); err != nil {
		t.Fatalf("Process: %v", err)
	}

	wantProgress := []int{10, 15, 40, 65, 90, 95, 98, 100}
	if len(fx.repo.progress) != len(wantProgress) {
		t.Fatalf("progress checkpoints = %v, want %v", fx.repo.progress, wantProgress)
	}
	for i, want := range wantProgress {
		if fx.repo.progress[i] != want {
			t.Fatalf("progress checkpoints = %v, want %v", fx.repo.progress, wantProgress)
		}
	}

	asset, _ := fx.repo.GetAsset(fx.asset.ID)
	if asset.Status != models.AssetReady || !asset.IsActive {
		t.Fatalf("asset not finalised: status=%s active=%v", asset.Status, asset.IsActive)
	}
	if asset.PublishedAt == nil || asset.ProcessingCompletedAt == nil {
		t.Fatalf("finalise timestamps missing: %+v", asset)
	}
	if asset.DurationSeconds != 120 || asset.Codec != "h264" || !asset.HasAudio {
		t.Fatalf("source metadata not recorded: %+v", asset)
	}
	if asset.ProcessingProgress != 100 {
		t.Fatalf("progress = %d, want 100", asset.ProcessingProgress)
	}

	renditions := fx.repo.ListRenditions(fx.asset.ID)
	if len(renditions) != 3 {
		t.Fatalf("len(renditions) = %d, want 3", len(renditions))
	}
	for _, rendition := range renditions {
		if !rendition.IsProcessed || rendition.SegmentCount != 17 {
			t.Fatalf("rendition not recorded: %+v", rendition)
		}
	}

	masterPath := filepath.Join(fx.files.OutputDir(fx.asset.ID), MasterPlaylistName)
	if asset.MasterPlaylistPath != masterPath {
		t.Fatalf("master path = %q, want %q", asset.MasterPlaylistPath, masterPath)
	}
	master, err := os.ReadFile(masterPath)
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	for _, tier := range []string{"low", "medium", "high"} {
		if !containsLine(string(master), tier+"/playlist.m3u8") {
			t.Fatalf("master playlist missing %s tier:\n%s", tier, master)
		}
	}
	if _, err := os.Stat(asset.MetadataPath); err != nil {
		t.Fatalf("metadata sidecar missing: %v", err)
	}
	if _, err := os.Stat(asset.ThumbnailPath); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
}

func TestProcessInspectionFailureIsFatal(t *testing.T) {
	inspectErr := &media.InspectionError{Path: "/tmp/broken.mp4", Detail: "moov atom not found"}
	fx := newFixture(t, &fakeEngine{inspectErr: inspectErr})
	p := newPipeline(fx)

	err := p.Process(context.Background(), fx.entry)
	if err == nil {
		t.Fatalf("expected inspection failure")
	}
	if !IsFatal(err) {
		t.Fatalf("inspection failure should be fatal, got %v", err)
	}
	if _, statErr := os.Stat(fx.files.OutputDir(fx.asset.ID)); !os.IsNotExist(statErr) {
		t.Fatalf("output directory should be cleaned up after failure")
	}
}

func TestProcessEncodeFailureIsRetryable(t *testing.T) {
	engine := &fakeEngine{
		meta:      sourceMeta(),
		encodeErr: map[string]error{"medium": &media.EncodeError{Tier: "medium", Detail: "x264 crashed"}},
	}
	fx := newFixture(t, engine)
	p := newPipeline(fx)

	err := p.Process(context.Background(), fx.entry)
	if err == nil {
		t.Fatalf("expected encode failure")
	}
	if IsFatal(err) {
		t.Fatalf("encode failure should be retryable, got %v", err)
	}
	if len(engine.encodedTiers) != 1 || engine.encodedTiers[0] != "low" {
		t.Fatalf("encoded tiers = %v, want [low] before the failure", engine.encodedTiers)
	}

	// The failing tier is recorded so operators can see which rung broke.
	var mediumErr string
	for _, rendition := range fx.repo.ListRenditions(fx.asset.ID) {
		if rendition.Tier == models.TierMedium {
			mediumErr = rendition.ProcessingError
		}
	}
	if mediumErr == "" {
		t.Fatalf("medium rendition failure not recorded")
	}

	if _, statErr := os.Stat(fx.files.OutputDir(fx.asset.ID)); !os.IsNotExist(statErr) {
		t.Fatalf("output directory should be cleaned up after failure")
	}
}

func TestProcessThumbnailFailureIsNonFatal(t *testing.T) {
	engine := &fakeEngine{meta: sourceMeta(), frameErr: fmt.Errorf("no keyframe near offset")}
	fx := newFixture(t, engine)
	p := newPipeline(fx)

	if err := p.Process(context.Background(), fx.entry); err != nil {
		t.Fatalf("Process: %v", err)
	}
	asset, _ := fx.repo.GetAsset(fx.asset.ID)
	if asset.Status != models.AssetReady {
		t.Fatalf("status = %s, want ready despite thumbnail failure", asset.Status)
	}
	if asset.ThumbnailPath != "" {
		t.Fatalf("thumbnail path = %q, want empty", asset.ThumbnailPath)
	}
}

type fakeMirror struct {
	assetID string
	dir     string
	err     error
	calls   int
}

func (m *fakeMirror) MirrorAsset(_ context.Context, assetID, dir string) (int, error) {
	m.calls++
	m.assetID = assetID
	m.dir = dir
	if m.err != nil {
		return 0, m.err
	}
	return 5, nil
}

func TestProcessMirrorsOutputAfterSuccess(t *testing.T) {
	fx := newFixture(t, &fakeEngine{meta: sourceMeta()})
	mirror := &fakeMirror{}
	p := New(fx.repo, fx.files, fx.engine, nil, metrics.New(), Config{Mirror: mirror})

	if err := p.Process(context.Background(), fx.entry); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if mirror.calls != 1 || mirror.assetID != fx.asset.ID {
		t.Fatalf("mirror calls=%d asset=%q", mirror.calls, mirror.assetID)
	}
	if mirror.dir != fx.files.OutputDir(fx.asset.ID) {
		t.Fatalf("mirror dir = %q, want %q", mirror.dir, fx.files.OutputDir(fx.asset.ID))
	}
}

func TestProcessMirrorFailureDoesNotFailRun(t *testing.T) {
	fx := newFixture(t, &fakeEngine{meta: sourceMeta()})
	mirror := &fakeMirror{err: fmt.Errorf("bucket unreachable")}
	p := New(fx.repo, fx.files, fx.engine, nil, metrics.New(), Config{Mirror: mirror})

	if err := p.Process(context.Background(), fx.entry); err != nil {
		t.Fatalf("Process: %v", err)
	}
	asset, _ := fx.repo.GetAsset(fx.asset.ID)
	if asset.Status != models.AssetReady {
		t.Fatalf("status = %s, want ready despite mirror failure", asset.Status)
	}
}

func TestProcessEncodeFailureSkipsMirror(t *testing.T) {
	engine := &fakeEngine{
		meta:      sourceMeta(),
		encodeErr: map[string]error{"low": &media.EncodeError{Tier: "low", Detail: "x264 crashed"}},
	}
	fx := newFixture(t, engine)
	mirror := &fakeMirror{}
	p := New(fx.repo, fx.files, fx.engine, nil, metrics.New(), Config{Mirror: mirror})

	if err := p.Process(context.Background(), fx.entry); err == nil {
		t.Fatalf("expected encode failure")
	}
	if mirror.calls != 0 {
		t.Fatalf("mirror calls = %d, want 0 on failed run", mirror.calls)
	}
}

func TestProcessMissingAsset(t *testing.T) {
	fx := newFixture(t, &fakeEngine{meta: sourceMeta()})
	p := newPipeline(fx)

	err := p.Process(context.Background(), models.QueueEntry{ID: "entry-x", AssetID: "missing"})
	if err == nil {
		t.Fatalf("expected error for missing asset")
	}
}

func TestProcessCancelledContext(t *testing.T) {
	fx := newFixture(t, &fakeEngine{meta: sourceMeta()})
	p := newPipeline(fx)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Process(ctx, fx.entry)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func containsLine(haystack, needle string) bool {
	for _, line := range splitLines(haystack) {
		if line == needle {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
