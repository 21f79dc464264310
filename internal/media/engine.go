// Package media wraps the external analysis and transcoding engines behind a
// narrow interface so pipelines can run against fakes in tests.
package media

import "context"

// Metadata describes the technical properties of a source file as reported by
// the analysis engine.
type Metadata struct {
	DurationSeconds float64 `json:"duration"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Codec           string  `json:"codec"`
	BitrateKbps     int     `json:"bitrate"`
	SizeBytes       int64   `json:"size"`
	HasAudio        bool    `json:"has_audio"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
}

// Preset is one rung of the rendition ladder.
type Preset struct {
	Tier             string
	Label            string
	Width            int
	Height           int
	VideoBitrateKbps int
	AudioBitrateKbps int
}

// DefaultLadder returns the stock three-tier ladder. Callers must not mutate
// the returned slice without copying it first.
func DefaultLadder() []Preset {
	return []Preset{
		{Tier: "low", Label: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96},
		{Tier: "medium", Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128},
		{Tier: "high", Label: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
	}
}

// EncodeJob asks the engine to produce one segmented rendition.
type EncodeJob struct {
	SourcePath             string
	OutputDir              string
	Preset                 Preset
	Source                 Metadata
	SegmentDurationSeconds int
}

// EncodeResult reports what the engine produced for one rendition.
type EncodeResult struct {
	Width          int
	Height         int
	PlaylistPath   string
	SegmentCount   int
	TotalSizeBytes int64
}

// FrameJob asks the engine for a single resized still frame.
type FrameJob struct {
	SourcePath    string
	OutputPath    string
	OffsetSeconds float64
	MaxWidth      int
	MaxHeight     int
}

// Engine is the contract between the pipeline and the external media tooling.
// Implementations must honour context cancellation: a cancelled context kills
// any subprocess the call spawned.
type Engine interface {
	Inspect(ctx context.Context, path string) (Metadata, error)
	Encode(ctx context.Context, job EncodeJob) (EncodeResult, error)
	ExtractFrame(ctx context.Context, job FrameJob) error
}
