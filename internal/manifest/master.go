// Package manifest renders the multi-rendition master playlist and the
// metadata sidecar written next to an asset's packaged output.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"vodforge/internal/models"
)

// ComposeMaster renders the master playlist for the given renditions. Output
// is deterministic: renditions are listed in ascending tier order and the
// same input always produces byte-identical text. Bandwidth is the target
// video bitrate in bits per second.
func ComposeMaster(renditions []models.Rendition) string {
	ordered := append([]models.Rendition(nil), renditions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tier.Rank() < ordered[j].Tier.Rank()
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n\n")
	for _, rendition := range ordered {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=%q\n",
			rendition.BitrateKbps*1000, rendition.Width, rendition.Height, rendition.Label)
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", rendition.Tier)
	}
	return b.String()
}

// WriteMaster atomically writes the master playlist to path.
func WriteMaster(path string, renditions []models.Rendition) error {
	if err := renameio.WriteFile(path, []byte(ComposeMaster(renditions)), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}
