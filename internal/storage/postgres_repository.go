package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

const assetColumns = `id, slug, title, original_path, original_filename, original_size_bytes,
	duration_seconds, width, height, fps, codec, bitrate_kbps, has_audio,
	master_playlist_path, metadata_path, thumbnail_path,
	status, processing_progress, processing_started_at, processing_completed_at, processing_error,
	is_active, published_at, created_at, updated_at`

const renditionColumns = `asset_id, tier, label, width, height, bitrate_kbps,
	playlist_path, segment_duration_seconds, segment_count, total_size_bytes,
	is_processed, processing_error, created_at, updated_at`

const queueColumns = `id, asset_id, worker_id, priority, status, current_step, progress_percentage,
	queued_at, started_at, completed_at, next_attempt_at, retry_count, max_retries, error_message`

// priorityRankSQL mirrors models.QueuePriority.Rank so the claim ordering in
// SQL matches the in-memory store exactly.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 4
	WHEN 'high' THEN 3
	WHEN 'normal' THEN 2
	WHEN 'low' THEN 1
	ELSE 0 END`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations it depends on.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := migrateSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock()
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var asset models.Asset
	err := row.Scan(
		&asset.ID, &asset.Slug, &asset.Title,
		&asset.OriginalPath, &asset.OriginalFilename, &asset.OriginalSizeBytes,
		&asset.DurationSeconds, &asset.Width, &asset.Height, &asset.FPS,
		&asset.Codec, &asset.BitrateKbps, &asset.HasAudio,
		&asset.MasterPlaylistPath, &asset.MetadataPath, &asset.ThumbnailPath,
		&asset.Status, &asset.ProcessingProgress,
		&asset.ProcessingStartedAt, &asset.ProcessingCompletedAt, &asset.ProcessingError,
		&asset.IsActive, &asset.PublishedAt, &asset.CreatedAt, &asset.UpdatedAt,
	)
	return asset, err
}

func scanRendition(row pgx.Row) (models.Rendition, error) {
	var rendition models.Rendition
	err := row.Scan(
		&rendition.AssetID, &rendition.Tier, &rendition.Label,
		&rendition.Width, &rendition.Height, &rendition.BitrateKbps,
		&rendition.PlaylistPath, &rendition.SegmentDurationSeconds,
		&rendition.SegmentCount, &rendition.TotalSizeBytes,
		&rendition.IsProcessed, &rendition.ProcessingError,
		&rendition.CreatedAt, &rendition.UpdatedAt,
	)
	return rendition, err
}

func scanQueueEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	err := row.Scan(
		&entry.ID, &entry.AssetID, &entry.WorkerID,
		&entry.Priority, &entry.Status, &entry.CurrentStep, &entry.ProgressPercentage,
		&entry.QueuedAt, &entry.StartedAt, &entry.CompletedAt, &entry.NextAttemptAt,
		&entry.RetryCount, &entry.MaxRetries, &entry.ErrorMessage,
	)
	return entry, err
}

func constraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.ConstraintName == constraint
}

func foreignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (r *postgresRepository) CreateAsset(params CreateAssetParams) (models.Asset, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Asset{}, fmt.Errorf("asset title is required")
	}
	originalPath := strings.TrimSpace(params.OriginalPath)
	if originalPath == "" {
		return models.Asset{}, fmt.Errorf("original path is required")
	}
	slug := strings.TrimSpace(params.Slug)
	if slug == "" {
		slug = models.Slugify(title)
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO assets (id, slug, title, original_path, original_filename, original_size_bytes,
			status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING `+assetColumns,
		generateID(), slug, title, originalPath, strings.TrimSpace(params.OriginalFilename),
		params.OriginalSizeBytes, models.AssetUploaded, now)
	asset, err := scanAsset(row)
	if err != nil {
		if constraintViolation(err, "assets_slug_key") {
			return models.Asset{}, ErrSlugTaken
		}
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) GetAsset(id string) (models.Asset, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()

	asset, err := scanAsset(r.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return models.Asset{}, false
	}
	return asset, true
}

func (r *postgresRepository) GetAssetBySlug(slug string) (models.Asset, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()

	asset, err := scanAsset(r.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE slug = $1`, slug))
	if err != nil {
		return models.Asset{}, false
	}
	return asset, true
}

func (r *postgresRepository) ListAssets(filter AssetFilter) []models.Asset {
	ctx, cancel := r.opCtx()
	defer cancel()

	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active AND status = 'ready'")
	}
	if query := strings.TrimSpace(filter.Query); query != "" {
		args = append(args, "%"+strings.ToLower(query)+"%")
		clauses = append(clauses, fmt.Sprintf("LOWER(title) LIKE $%d", len(args)))
	}
	sql := `SELECT ` + assetColumns + ` FROM assets`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil
		}
		assets = append(assets, asset)
	}
	return assets
}

type setClause struct {
	parts []string
	args  []any
}

func (c *setClause) set(column string, value any) {
	c.args = append(c.args, value)
	c.parts = append(c.parts, fmt.Sprintf("%s = $%d", column, len(c.args)))
}

func (c *setClause) setRaw(expr string) {
	c.parts = append(c.parts, expr)
}

func (r *postgresRepository) UpdateAsset(id string, update AssetUpdate) (models.Asset, error) {
	var clause setClause
	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			clause.set("title", trimmed)
		}
	}
	if update.Status != nil {
		clause.set("status", *update.Status)
	}
	if update.ProcessingProgress != nil {
		clause.set("processing_progress", clampProgress(*update.ProcessingProgress))
	}
	if update.ProcessingError != nil {
		clause.set("processing_error", *update.ProcessingError)
	}
	if update.DurationSeconds != nil {
		clause.set("duration_seconds", *update.DurationSeconds)
	}
	if update.Width != nil {
		clause.set("width", *update.Width)
	}
	if update.Height != nil {
		clause.set("height", *update.Height)
	}
	if update.FPS != nil {
		clause.set("fps", *update.FPS)
	}
	if update.Codec != nil {
		clause.set("codec", *update.Codec)
	}
	if update.BitrateKbps != nil {
		clause.set("bitrate_kbps", *update.BitrateKbps)
	}
	if update.HasAudio != nil {
		clause.set("has_audio", *update.HasAudio)
	}
	if update.OriginalPath != nil {
		if trimmed := strings.TrimSpace(*update.OriginalPath); trimmed != "" {
			clause.set("original_path", trimmed)
		}
	}
	if update.MasterPlaylistPath != nil {
		clause.set("master_playlist_path", *update.MasterPlaylistPath)
	}
	if update.MetadataPath != nil {
		clause.set("metadata_path", *update.MetadataPath)
	}
	if update.ThumbnailPath != nil {
		clause.set("thumbnail_path", *update.ThumbnailPath)
	}
	if update.ProcessingStartedAt != nil {
		clause.set("processing_started_at", update.ProcessingStartedAt.UTC())
	}
	if update.ProcessingCompletedAt != nil {
		clause.set("processing_completed_at", update.ProcessingCompletedAt.UTC())
	}
	if update.IsActive != nil {
		clause.set("is_active", *update.IsActive)
	}
	if update.PublishedAt != nil {
		clause.set("published_at", update.PublishedAt.UTC())
	}
	clause.set("updated_at", r.now())

	ctx, cancel := r.opCtx()
	defer cancel()

	clause.args = append(clause.args, id)
	sql := fmt.Sprintf("UPDATE assets SET %s WHERE id = $%d RETURNING %s",
		strings.Join(clause.parts, ", "), len(clause.args), assetColumns)
	asset, err := scanAsset(r.pool.QueryRow(ctx, sql, clause.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, ErrAssetNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("update asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) DeleteAsset(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (r *postgresRepository) UpsertRendition(rendition models.Rendition) (models.Rendition, error) {
	assetID := strings.TrimSpace(rendition.AssetID)
	if assetID == "" {
		return models.Rendition{}, fmt.Errorf("rendition asset id is required")
	}
	if rendition.Tier.Rank() == 0 {
		return models.Rendition{}, fmt.Errorf("unknown rendition tier %q", rendition.Tier)
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO renditions (asset_id, tier, label, width, height, bitrate_kbps,
			playlist_path, segment_duration_seconds, segment_count, total_size_bytes,
			is_processed, processing_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (asset_id, tier) DO UPDATE SET
			label = EXCLUDED.label,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			bitrate_kbps = EXCLUDED.bitrate_kbps,
			playlist_path = EXCLUDED.playlist_path,
			segment_duration_seconds = EXCLUDED.segment_duration_seconds,
			segment_count = EXCLUDED.segment_count,
			total_size_bytes = EXCLUDED.total_size_bytes,
			is_processed = EXCLUDED.is_processed,
			processing_error = EXCLUDED.processing_error,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+renditionColumns,
		assetID, rendition.Tier, rendition.Label, rendition.Width, rendition.Height,
		rendition.BitrateKbps, rendition.PlaylistPath, rendition.SegmentDurationSeconds,
		rendition.SegmentCount, rendition.TotalSizeBytes, rendition.IsProcessed,
		rendition.ProcessingError, now)
	stored, err := scanRendition(row)
	if err != nil {
		if foreignKeyViolation(err) {
			return models.Rendition{}, ErrAssetNotFound
		}
		return models.Rendition{}, fmt.Errorf("upsert rendition: %w", err)
	}
	return stored, nil
}

func (r *postgresRepository) ListRenditions(assetID string) []models.Rendition {
	ctx, cancel := r.opCtx()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+renditionColumns+` FROM renditions WHERE asset_id = $1
		 ORDER BY CASE tier WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 ELSE 0 END`,
		assetID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var renditions []models.Rendition
	for rows.Next() {
		rendition, err := scanRendition(rows)
		if err != nil {
			return nil
		}
		renditions = append(renditions, rendition)
	}
	return renditions
}

func (r *postgresRepository) DeleteRenditions(assetID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM renditions WHERE asset_id = $1`, assetID); err != nil {
		return fmt.Errorf("delete renditions: %w", err)
	}
	return nil
}

func (r *postgresRepository) Enqueue(params EnqueueParams) (models.QueueEntry, error) {
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

	ctx, cancel := r.opCtx()
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO transcode_queue (id, asset_id, priority, status, queued_at, max_retries)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+queueColumns,
		generateID(), assetID, priority, models.EntryQueued, r.now(), maxRetries)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if constraintViolation(err, "transcode_queue_active_asset") {
			return models.QueueEntry{}, ErrActiveEntryExists
		}
		if foreignKeyViolation(err) {
			return models.QueueEntry{}, ErrAssetNotFound
		}
		return models.QueueEntry{}, fmt.Errorf("enqueue entry: %w", err)
	}
	return entry, nil
}

// ClaimNextEntry atomically assigns the highest-priority eligible entry using
// FOR UPDATE SKIP LOCKED, so concurrent workers never claim the same entry.
func (r *postgresRepository) ClaimNextEntry(workerID string) (models.QueueEntry, bool, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return models.QueueEntry{}, false, fmt.Errorf("worker id is required")
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	row := r.pool.QueryRow(ctx,
		`UPDATE transcode_queue
		 SET status = 'processing', worker_id = $1, started_at = $2, current_step = 'claimed'
		 WHERE id = (
			SELECT id FROM transcode_queue
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY `+priorityRankSQL+` DESC, queued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+queueColumns,
		workerID, now)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("claim queue entry: %w", err)
	}
	return entry, true, nil
}

func (r *postgresRepository) GetQueueEntry(id string) (models.QueueEntry, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()

	entry, err := scanQueueEntry(r.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM transcode_queue WHERE id = $1`, id))
	if err != nil {
		return models.QueueEntry{}, false
	}
	return entry, true
}

func (r *postgresRepository) ListQueueEntries(filter QueueFilter) []models.QueueEntry {
	ctx, cancel := r.opCtx()
	defer cancel()

	var (
		clauses []string
		args    []any
	)
	if filter.AssetID != "" {
		args = append(args, filter.AssetID)
		clauses = append(clauses, fmt.Sprintf("asset_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "status IN ('queued', 'processing')")
	}
	sql := `SELECT ` + queueColumns + ` FROM transcode_queue`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY " + priorityRankSQL + " DESC, queued_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil
		}
		entries = append(entries, entry)
	}
	return entries
}

func (r *postgresRepository) UpdateQueueEntry(id string, update QueueEntryUpdate) (models.QueueEntry, error) {
	var clause setClause
	if update.Status != nil {
		clause.set("status", *update.Status)
	}
	if update.WorkerID != nil {
		clause.set("worker_id", strings.TrimSpace(*update.WorkerID))
	}
	if update.CurrentStep != nil {
		clause.set("current_step", *update.CurrentStep)
	}
	if update.ProgressPercentage != nil {
		clause.set("progress_percentage", clampProgress(*update.ProgressPercentage))
	}
	if update.StartedAt != nil {
		clause.set("started_at", update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		clause.set("completed_at", update.CompletedAt.UTC())
	}
	if update.NextAttemptAt != nil {
		clause.set("next_attempt_at", update.NextAttemptAt.UTC())
	} else if update.ClearNextAttempt {
		clause.setRaw("next_attempt_at = NULL")
	}
	if update.RetryCount != nil {
		clause.set("retry_count", *update.RetryCount)
	}
	if update.ErrorMessage != nil {
		clause.set("error_message", *update.ErrorMessage)
	}
	if len(clause.parts) == 0 {
		entry, ok := r.GetQueueEntry(id)
		if !ok {
			return models.QueueEntry{}, ErrEntryNotFound
		}
		return entry, nil
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	clause.args = append(clause.args, id)
	sql := fmt.Sprintf("UPDATE transcode_queue SET %s WHERE id = $%d RETURNING %s",
		strings.Join(clause.parts, ", "), len(clause.args), queueColumns)
	entry, err := scanQueueEntry(r.pool.QueryRow(ctx, sql, clause.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("update queue entry: %w", err)
	}
	return entry, nil
}

func (r *postgresRepository) CancelQueueEntry(id string) (models.QueueEntry, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`UPDATE transcode_queue SET status = 'cancelled', completed_at = $2
		 WHERE id = $1 AND status = 'queued'
		 RETURNING `+queueColumns,
		id, r.now())
	entry, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, ok := r.GetQueueEntry(id); ok {
			return models.QueueEntry{}, ErrEntryNotCancellable
		}
		return models.QueueEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("cancel queue entry: %w", err)
	}
	return entry, nil
}

func (r *postgresRepository) QueuePosition(id string) (int, error) {
	entry, ok := r.GetQueueEntry(id)
	if !ok {
		return 0, ErrEntryNotFound
	}
	if entry.Status != models.EntryQueued {
		return 0, nil
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	// Only earlier arrivals of equal or higher priority count; a later
	// urgent entry is claimed first but does not change reported positions.
	var ahead int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transcode_queue
		 WHERE status = 'queued' AND id <> $1
		   AND `+priorityRankSQL+` >= $2
		   AND queued_at < $3`,
		entry.ID, entry.Priority.Rank(), entry.QueuedAt).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("compute queue position: %w", err)
	}
	return ahead + 1, nil
}

func (r *postgresRepository) ReapStale(threshold time.Duration) ([]models.QueueEntry, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("reap threshold must be positive")
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	rows, err := r.pool.Query(ctx,
		`UPDATE transcode_queue
		 SET status = 'failed', completed_at = $1, error_message = $2
		 WHERE status = 'processing' AND started_at IS NOT NULL AND started_at <= $3
		 RETURNING `+queueColumns,
		now, StaleEntryError, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("reap stale entries: %w", err)
	}
	defer rows.Close()

	var reaped []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaped entry: %w", err)
		}
		reaped = append(reaped, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reap stale entries: %w", err)
	}
	return reaped, nil
}

var _ Repository = (*postgresRepository)(nil)
