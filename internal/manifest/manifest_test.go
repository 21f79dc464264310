package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vodforge/internal/media"
	"vodforge/internal/models"
)

func sampleRenditions() []models.Rendition {
	return []models.Rendition{
		{Tier: models.TierHigh, Label: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
		{Tier: models.TierLow, Label: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Tier: models.TierMedium, Label: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
	}
}

func TestComposeMasterAscendingTierOrder(t *testing.T) {
	master := ComposeMaster(sampleRenditions())
	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,NAME=\"360p\"\n" +
		"low/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,NAME=\"720p\"\n" +
		"medium/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,NAME=\"1080p\"\n" +
		"high/playlist.m3u8\n"
	if master != want {
		t.Fatalf("master playlist mismatch:\n got: %q\nwant: %q", master, want)
	}
}

func TestComposeMasterDeterministic(t *testing.T) {
	first := ComposeMaster(sampleRenditions())
	second := ComposeMaster(sampleRenditions())
	if first != second {
		t.Fatalf("composition is not deterministic")
	}
}

func TestComposeMasterDoesNotMutateInput(t *testing.T) {
	renditions := sampleRenditions()
	ComposeMaster(renditions)
	if renditions[0].Tier != models.TierHigh {
		t.Fatalf("input slice was reordered")
	}
}

func TestWriteMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.m3u8")
	if err := WriteMaster(path, sampleRenditions()); err != nil {
		t.Fatalf("WriteMaster: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	if !strings.HasPrefix(string(data), "#EXTM3U\n") {
		t.Fatalf("master playlist missing header: %q", data)
	}
	if !strings.Contains(string(data), "low/playlist.m3u8") {
		t.Fatalf("master playlist missing low tier reference")
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	meta := media.Metadata{
		DurationSeconds: 65,
		Width:           1920,
		Height:          1080,
		FPS:             30,
		Codec:           "h264",
		BitrateKbps:     5400,
		SizeBytes:       44273664,
		HasAudio:        true,
		AudioCodec:      "aac",
	}
	if err := WriteSidecar(path, meta); err != nil {
		t.Fatalf("WriteSidecar: %v", err)
	}
	loaded, err := ReadSidecar(path)
	if err != nil {
		t.Fatalf("ReadSidecar: %v", err)
	}
	if loaded != meta {
		t.Fatalf("sidecar round trip mismatch: got %+v want %+v", loaded, meta)
	}
}
