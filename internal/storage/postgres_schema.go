package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		original_path TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		original_size_bytes BIGINT NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		fps DOUBLE PRECISION NOT NULL DEFAULT 0,
		codec TEXT NOT NULL DEFAULT '',
		bitrate_kbps INTEGER NOT NULL DEFAULT 0,
		has_audio BOOLEAN NOT NULL DEFAULT FALSE,
		master_playlist_path TEXT NOT NULL DEFAULT '',
		metadata_path TEXT NOT NULL DEFAULT '',
		thumbnail_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		processing_progress INTEGER NOT NULL DEFAULT 0,
		processing_started_at TIMESTAMPTZ,
		processing_completed_at TIMESTAMPTZ,
		processing_error TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS renditions (
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		tier TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		bitrate_kbps INTEGER NOT NULL DEFAULT 0,
		playlist_path TEXT NOT NULL DEFAULT '',
		segment_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		segment_count INTEGER NOT NULL DEFAULT 0,
		total_size_bytes BIGINT NOT NULL DEFAULT 0,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		processing_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (asset_id, tier)
	)`,
	`CREATE TABLE IF NOT EXISTS transcode_queue (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		worker_id TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step TEXT NOT NULL DEFAULT '',
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		queued_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	// One active entry per asset, enforced where the race actually lives.
	`CREATE UNIQUE INDEX IF NOT EXISTS transcode_queue_active_asset
		ON transcode_queue (asset_id)
		WHERE status IN ('queued', 'processing')`,
	`CREATE INDEX IF NOT EXISTS transcode_queue_claim_order
		ON transcode_queue (status, queued_at)`,
	`CREATE INDEX IF NOT EXISTS assets_status_idx ON assets (status)`,
}

// migrateSchema applies the idempotent DDL needed by the repository.
func migrateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
