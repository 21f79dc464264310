package storage

import (
	"context"
	"errors"
	"time"

	"vodforge/internal/models"
)

var (
	// ErrAssetNotFound is returned by mutating operations targeting a
	// missing asset.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrEntryNotFound is returned by queue operations targeting a missing
	// entry.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrActiveEntryExists guards the invariant that an asset has at most
	// one queued or processing entry at any time.
	ErrActiveEntryExists = errors.New("asset already has an active queue entry")
	// ErrEntryNotCancellable is returned when cancellation targets an entry
	// that already left the queued state.
	ErrEntryNotCancellable = errors.New("queue entry is not cancellable")
	// ErrSlugTaken is returned when an asset slug collides with an existing
	// asset.
	ErrSlugTaken = errors.New("asset slug already in use")
)

// Repository exposes the datastore operations required by API handlers and
// the transcode scheduler.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateAsset(params CreateAssetParams) (models.Asset, error)
	GetAsset(id string) (models.Asset, bool)
	GetAssetBySlug(slug string) (models.Asset, bool)
	ListAssets(filter AssetFilter) []models.Asset
	UpdateAsset(id string, update AssetUpdate) (models.Asset, error)
	DeleteAsset(id string) error

	UpsertRendition(rendition models.Rendition) (models.Rendition, error)
	ListRenditions(assetID string) []models.Rendition
	DeleteRenditions(assetID string) error

	Enqueue(params EnqueueParams) (models.QueueEntry, error)
	ClaimNextEntry(workerID string) (models.QueueEntry, bool, error)
	GetQueueEntry(id string) (models.QueueEntry, bool)
	ListQueueEntries(filter QueueFilter) []models.QueueEntry
	UpdateQueueEntry(id string, update QueueEntryUpdate) (models.QueueEntry, error)
	CancelQueueEntry(id string) (models.QueueEntry, error)
	QueuePosition(id string) (int, error)
	ReapStale(threshold time.Duration) ([]models.QueueEntry, error)
}

// CreateAssetParams captures the attributes known at upload time.
type CreateAssetParams struct {
	Title             string
	Slug              string
	OriginalPath      string
	OriginalFilename  string
	OriginalSizeBytes int64
}

// AssetFilter narrows ListAssets. Zero values match everything.
type AssetFilter struct {
	Status models.AssetStatus
	// ActiveOnly restricts results to published, playable assets.
	ActiveOnly bool
	Query      string
	Limit      int
}

// AssetUpdate mutates an asset. Nil fields are left untouched.
type AssetUpdate struct {
	Title              *string
	Status             *models.AssetStatus
	ProcessingProgress *int
	ProcessingError    *string

	DurationSeconds *float64
	Width           *int
	Height          *int
	FPS             *float64
	Codec           *string
	BitrateKbps     *int
	HasAudio        *bool

	// OriginalPath moves the asset's source file, set when an upload is
	// promoted out of its temp location.
	OriginalPath *string

	MasterPlaylistPath *string
	MetadataPath       *string
	ThumbnailPath      *string

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	IsActive              *bool
	PublishedAt           *time.Time
}

// EnqueueParams captures the attributes of a new queue entry.
type EnqueueParams struct {
	AssetID    string
	Priority   models.QueuePriority
	MaxRetries int
}

// QueueFilter narrows ListQueueEntries. Zero values match everything.
type QueueFilter struct {
	AssetID string
	Status  models.EntryStatus
	// ActiveOnly restricts results to queued and processing entries.
	ActiveOnly bool
	Limit      int
}

// QueueEntryUpdate mutates a queue entry. Nil fields are left untouched.
// ClearNextAttempt removes a backoff gate that a nil NextAttemptAt would
// otherwise leave in place.
type QueueEntryUpdate struct {
	Status             *models.EntryStatus
	WorkerID           *string
	CurrentStep        *string
	ProgressPercentage *int
	StartedAt          *time.Time
	CompletedAt        *time.Time
	NextAttemptAt      *time.Time
	ClearNextAttempt   bool
	RetryCount         *int
	ErrorMessage       *string
}

var _ Repository = (*Storage)(nil)
