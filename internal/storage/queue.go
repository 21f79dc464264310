package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"vodforge/internal/models"
)

const (
	// DefaultMaxRetries bounds automatic retries for a queue entry.
	DefaultMaxRetries = 3
	// StaleEntryError is recorded on entries reclaimed by the reaper.
	StaleEntryError = "processing stalled: worker did not report completion"
)

func (s *Storage) Enqueue(params EnqueueParams) (models.QueueEntry, error) {
	assetID := strings.TrimSpace(params.AssetID)
	if assetID == "" {
		return models.QueueEntry{}, fmt.Errorf("asset id is required")
	}
	priority := params.Priority
	if priority.Rank() == 0 {
		priority = models.PriorityNormal
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if _, ok := s.data.Assets[assetID]; !ok {
		return models.QueueEntry{}, ErrAssetNotFound
	}
	for _, entry := range s.data.Queue {
		if entry.AssetID == assetID && entry.Active() {
			return models.QueueEntry{}, ErrActiveEntryExists
		}
	}

	entry := models.QueueEntry{
		ID:         generateID(),
		AssetID:    assetID,
		Priority:   priority,
		Status:     models.EntryQueued,
		QueuedAt:   s.now(),
		MaxRetries: maxRetries,
	}

	s.data.Queue[entry.ID] = entry
	if err := s.persist(); err != nil {
		delete(s.data.Queue, entry.ID)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// claimOrder reports whether a should be claimed before b: higher priority
// first, then oldest enqueue time, then ID for total order.
func claimOrder(a, b models.QueueEntry) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.ID < b.ID
}

// ClaimNextEntry atomically moves the highest-priority eligible entry to
// processing and assigns it to workerID. Entries waiting out a retry backoff
// are skipped until their NextAttemptAt passes. The boolean reports whether
// an entry was claimed.
func (s *Storage) ClaimNextEntry(workerID string) (models.QueueEntry, bool, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return models.QueueEntry{}, false, fmt.Errorf("worker id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	now := s.now()
	var best models.QueueEntry
	found := false
	for _, entry := range s.data.Queue {
		if entry.Status != models.EntryQueued {
			continue
		}
		if entry.NextAttemptAt != nil && entry.NextAttemptAt.After(now) {
			continue
		}
		if !found || claimOrder(entry, best) {
			best = entry
			found = true
		}
	}
	if !found {
		return models.QueueEntry{}, false, nil
	}

	previous := best
	started := now
	best.Status = models.EntryProcessing
	best.WorkerID = workerID
	best.StartedAt = &started
	best.CurrentStep = "claimed"

	s.data.Queue[best.ID] = best
	if err := s.persist(); err != nil {
		s.data.Queue[best.ID] = previous
		return models.QueueEntry{}, false, err
	}
	return best, true, nil
}

func (s *Storage) GetQueueEntry(id string) (models.QueueEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data.Queue[id]
	return entry, ok
}

func (s *Storage) ListQueueEntries(filter QueueFilter) []models.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.QueueEntry, 0, len(s.data.Queue))
	for _, entry := range s.data.Queue {
		if filter.AssetID != "" && entry.AssetID != filter.AssetID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.ActiveOnly && !entry.Active() {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return claimOrder(entries[i], entries[j])
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries
}

func (s *Storage) UpdateQueueEntry(id string, update QueueEntryUpdate) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	entry, ok := s.data.Queue[id]
	if !ok {
		return models.QueueEntry{}, ErrEntryNotFound
	}
	previous := entry

	applyQueueEntryUpdate(&entry, update)

	s.data.Queue[id] = entry
	if err := s.persist(); err != nil {
		s.data.Queue[id] = previous
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func applyQueueEntryUpdate(entry *models.QueueEntry, update QueueEntryUpdate) {
	if update.Status != nil {
		entry.Status = *update.Status
	}
	if update.WorkerID != nil {
		entry.WorkerID = strings.TrimSpace(*update.WorkerID)
	}
	if update.CurrentStep != nil {
		entry.CurrentStep = *update.CurrentStep
	}
	if update.ProgressPercentage != nil {
		entry.ProgressPercentage = clampProgress(*update.ProgressPercentage)
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		entry.StartedAt = &started
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		entry.CompletedAt = &completed
	}
	if update.NextAttemptAt != nil {
		next := update.NextAttemptAt.UTC()
		entry.NextAttemptAt = &next
	} else if update.ClearNextAttempt {
		entry.NextAttemptAt = nil
	}
	if update.RetryCount != nil {
		entry.RetryCount = *update.RetryCount
	}
	if update.ErrorMessage != nil {
		entry.ErrorMessage = *update.ErrorMessage
	}
}

// CancelQueueEntry cancels an entry that is still waiting in the queue.
// Entries already claimed by a worker cannot be cancelled.
func (s *Storage) CancelQueueEntry(id string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	entry, ok := s.data.Queue[id]
	if !ok {
		return models.QueueEntry{}, ErrEntryNotFound
	}
	if entry.Status != models.EntryQueued {
		return models.QueueEntry{}, ErrEntryNotCancellable
	}
	previous := entry

	now := s.now()
	entry.Status = models.EntryCancelled
	entry.CompletedAt = &now

	s.data.Queue[id] = entry
	if err := s.persist(); err != nil {
		s.data.Queue[id] = previous
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// QueuePosition returns the 1-based position of a queued entry, or 0 for
// entries that are no longer waiting. Position counts only entries queued
// earlier with equal or higher priority, so a later arrival never pushes an
// already-reported position back, even though a later urgent entry is still
// claimed first.
func (s *Storage) QueuePosition(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data.Queue[id]
	if !ok {
		return 0, ErrEntryNotFound
	}
	if entry.Status != models.EntryQueued {
		return 0, nil
	}

	position := 1
	for _, other := range s.data.Queue {
		if other.ID == entry.ID || other.Status != models.EntryQueued {
			continue
		}
		if other.Priority.Rank() >= entry.Priority.Rank() && other.QueuedAt.Before(entry.QueuedAt) {
			position++
		}
	}
	return position, nil
}

// ReapStale fails processing entries whose worker has not reported completion
// within threshold, and returns the reaped entries so callers can fail the
// owning assets and emit events.
func (s *Storage) ReapStale(threshold time.Duration) ([]models.QueueEntry, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("reap threshold must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	now := s.now()
	cutoff := now.Add(-threshold)
	previous := make(map[string]models.QueueEntry)
	var reaped []models.QueueEntry
	for id, entry := range s.data.Queue {
		if entry.Status != models.EntryProcessing {
			continue
		}
		if entry.StartedAt == nil || entry.StartedAt.After(cutoff) {
			continue
		}
		previous[id] = entry

		completed := now
		entry.Status = models.EntryFailed
		entry.CompletedAt = &completed
		entry.ErrorMessage = StaleEntryError
		s.data.Queue[id] = entry
		reaped = append(reaped, entry)
	}
	if len(reaped) == 0 {
		return nil, nil
	}

	if err := s.persist(); err != nil {
		for id, entry := range previous {
			s.data.Queue[id] = entry
		}
		return nil, err
	}
	sort.Slice(reaped, func(i, j int) bool {
		return reaped[i].ID < reaped[j].ID
	})
	return reaped, nil
}
