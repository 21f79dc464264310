package models

import (
	"strings"
	"time"
)

// AssetStatus tracks the lifecycle of an uploaded video from ingest to
// playable package.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetUploaded   AssetStatus = "uploaded"
	AssetProcessing AssetStatus = "processing"
	AssetReady      AssetStatus = "ready"
	AssetFailed     AssetStatus = "failed"
	AssetArchived   AssetStatus = "archived"
)

// QualityTier identifies one rung of the rendition ladder. Tiers are ordered:
// master playlists list renditions in ascending tier order.
type QualityTier string

const (
	TierLow    QualityTier = "low"
	TierMedium QualityTier = "medium"
	TierHigh   QualityTier = "high"
)

// Rank returns the ordering position of the tier. Unknown tiers sort first.
func (t QualityTier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	default:
		return 0
	}
}

// QueuePriority orders pending transcode work. Higher priorities are claimed
// first; entries with equal priority are claimed oldest first.
type QueuePriority string

const (
	PriorityLow    QueuePriority = "low"
	PriorityNormal QueuePriority = "normal"
	PriorityHigh   QueuePriority = "high"
	PriorityUrgent QueuePriority = "urgent"
)

// Rank returns the numeric ordering of the priority. Unknown values rank
// below low so malformed entries never jump the queue.
func (p QueuePriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority normalises a priority string, defaulting to normal.
func ParsePriority(value string) QueuePriority {
	switch QueuePriority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// EntryStatus tracks one queue entry. Completed, failed, and cancelled are
// terminal: entries are never mutated after reaching them.
type EntryStatus string

const (
	EntryQueued     EntryStatus = "queued"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
	EntryCancelled  EntryStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EntryStatus) Terminal() bool {
	switch s {
	case EntryCompleted, EntryFailed, EntryCancelled:
		return true
	default:
		return false
	}
}

// Asset is one uploaded video and the durable record of its processing state.
// The scheduler's pipeline is the only writer of the derived metadata and
// progress fields while a queue entry referencing the asset is processing.
type Asset struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`

	OriginalPath      string `json:"originalPath"`
	OriginalFilename  string `json:"originalFilename"`
	OriginalSizeBytes int64  `json:"originalSizeBytes"`

	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	BitrateKbps     int     `json:"bitrateKbps,omitempty"`
	HasAudio        bool    `json:"hasAudio,omitempty"`

	MasterPlaylistPath string `json:"masterPlaylistPath,omitempty"`
	MetadataPath       string `json:"metadataPath,omitempty"`
	ThumbnailPath      string `json:"thumbnailPath,omitempty"`

	Status                AssetStatus `json:"status"`
	ProcessingProgress    int         `json:"processingProgress"`
	ProcessingStartedAt   *time.Time  `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time  `json:"processingCompletedAt,omitempty"`
	ProcessingError       string      `json:"processingError,omitempty"`

	IsActive    bool       `json:"isActive"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Rendition is one encoded quality variant of an asset. (AssetID, Tier) is
// unique; re-encoding a tier upserts the existing record.
type Rendition struct {
	AssetID string      `json:"assetId"`
	Tier    QualityTier `json:"tier"`
	Label   string      `json:"label"`

	Width       int `json:"width"`
	Height      int `json:"height"`
	BitrateKbps int `json:"bitrateKbps"`

	PlaylistPath           string  `json:"playlistPath"`
	SegmentDurationSeconds float64 `json:"segmentDurationSeconds"`
	SegmentCount           int     `json:"segmentCount"`
	TotalSizeBytes         int64   `json:"totalSizeBytes"`

	IsProcessed     bool      `json:"isProcessed"`
	ProcessingError string    `json:"processingError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// QueueEntry is one unit of transcode work. An asset has at most one entry in
// a non-terminal status at any time; retries after permanent failure create a
// fresh entry, so AssetID alone is not unique.
type QueueEntry struct {
	ID       string `json:"id"`
	AssetID  string `json:"assetId"`
	WorkerID string `json:"workerId,omitempty"`

	Priority QueuePriority `json:"priority"`
	Status   EntryStatus   `json:"status"`

	CurrentStep        string `json:"currentStep,omitempty"`
	ProgressPercentage int    `json:"progressPercentage"`

	QueuedAt      time.Time  `json:"queuedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	RetryCount   int    `json:"retryCount"`
	MaxRetries   int    `json:"maxRetries"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Active reports whether the entry still occupies the asset's single
// active-work slot.
func (e QueueEntry) Active() bool {
	return !e.Status.Terminal()
}

// RecommendedTier maps a playback device class to the quality tier the player
// should start with. Unknown classes get the middle of the ladder.
func RecommendedTier(deviceClass string) QualityTier {
	switch strings.ToLower(strings.TrimSpace(deviceClass)) {
	case "mobile":
		return TierLow
	case "tablet":
		return TierMedium
	case "desktop", "tv":
		return TierHigh
	default:
		return TierMedium
	}
}
