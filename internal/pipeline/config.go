package pipeline

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"vodforge/internal/media"
)

// LoadConfigFromEnv initialises a Config from environment variables. Unset
// variables keep the package defaults applied by normalized().
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{}

	if raw := strings.TrimSpace(os.Getenv("VODFORGE_SEGMENT_DURATION")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse VODFORGE_SEGMENT_DURATION: %w", err)
		}
		if parsed > 0 {
			cfg.SegmentDurationSeconds = parsed
		}
	}

	if raw := strings.TrimSpace(os.Getenv("VODFORGE_THUMBNAIL_OFFSET")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse VODFORGE_THUMBNAIL_OFFSET: %w", err)
		}
		if parsed <= 0 || parsed >= 1 {
			return Config{}, fmt.Errorf("VODFORGE_THUMBNAIL_OFFSET must be between 0 and 1, got %s", raw)
		}
		cfg.ThumbnailOffsetFraction = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("VODFORGE_THUMBNAIL_MAX")); raw != "" {
		width, height, err := parseResolution(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse VODFORGE_THUMBNAIL_MAX: %w", err)
		}
		cfg.ThumbnailMaxWidth = width
		cfg.ThumbnailMaxHeight = height
	}

	if raw := strings.TrimSpace(os.Getenv("VODFORGE_LADDER")); raw != "" {
		ladder, err := ParseLadder(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Ladder = ladder
	}

	return cfg, nil
}

// ParseLadder turns a ladder spec into presets, lowest tier first. Each entry
// has the form tier:label:WxH:videoKbps:audioKbps, entries separated by
// commas, for example:
//
//	low:360p:640x360:800:96,medium:720p:1280x720:2800:128
func ParseLadder(spec string) ([]media.Preset, error) {
	entries := strings.Split(spec, ",")
	presets := make([]media.Preset, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("invalid ladder entry %q, expected tier:label:WxH:videoKbps:audioKbps", trimmed)
		}
		tier := strings.ToLower(strings.TrimSpace(parts[0]))
		if tier == "" {
			return nil, fmt.Errorf("invalid ladder entry %q: tier is required", trimmed)
		}
		if _, dup := seen[tier]; dup {
			return nil, fmt.Errorf("duplicate ladder tier %q", tier)
		}
		seen[tier] = struct{}{}
		label := strings.TrimSpace(parts[1])
		if label == "" {
			return nil, fmt.Errorf("invalid ladder entry %q: label is required", trimmed)
		}
		width, height, err := parseResolution(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid ladder entry %q: %w", trimmed, err)
		}
		videoKbps, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil || videoKbps <= 0 {
			return nil, fmt.Errorf("invalid ladder entry %q: bad video bitrate", trimmed)
		}
		audioKbps, err := strconv.Atoi(strings.TrimSpace(parts[4]))
		if err != nil || audioKbps <= 0 {
			return nil, fmt.Errorf("invalid ladder entry %q: bad audio bitrate", trimmed)
		}
		presets = append(presets, media.Preset{
			Tier:             tier,
			Label:            label,
			Width:            width,
			Height:           height,
			VideoBitrateKbps: videoKbps,
			AudioBitrateKbps: audioKbps,
		})
	}
	if len(presets) == 0 {
		return nil, fmt.Errorf("ladder spec %q contains no entries", spec)
	}
	return presets, nil
}

func parseResolution(raw string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(raw)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution %q must look like 1280x720", raw)
	}
	width, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has a bad width", raw)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has a bad height", raw)
	}
	return width, height, nil
}
