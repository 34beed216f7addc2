package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheEntry de-duplicates uploaded cover images. Entries are unique on
// (SourceID, SourceType) and never deleted here; retention is someone
// else's problem.
type CacheEntry struct {
	ID         int64      `json:"id"`
	SourceID   string     `json:"source_id"`
	SourceType string     `json:"source_type"`
	SourceURL  string     `json:"source_url"`
	Attachment Attachment `json:"attachment"`
	UseCount   int        `json:"use_count"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
}

// CacheStats aggregates the artwork cache for dashboard reporting.
type CacheStats struct {
	Total     int   `json:"total"`
	TotalUses int   `json:"total_uses"`
	TotalSize int64 `json:"total_size"`
}

// LookupArtwork returns the cached upload for a source, bumping its use
// count and last-used timestamp as a side effect of the read. A miss
// returns nil.
func (s *Store) LookupArtwork(ctx context.Context, sourceID, sourceType string) (*CacheEntry, error) {
	var entry CacheEntry
	var attachment []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE image_cache
		SET use_count = use_count + 1, last_used_at = NOW()
		WHERE source_id = $1 AND source_type = $2
		RETURNING id, source_id, source_type, source_url, attachment, use_count, created_at, last_used_at
	`, sourceID, sourceType).Scan(&entry.ID, &entry.SourceID, &entry.SourceType,
		&entry.SourceURL, &attachment, &entry.UseCount, &entry.CreatedAt, &entry.LastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup artwork: %w", err)
	}
	if err := json.Unmarshal(attachment, &entry.Attachment); err != nil {
		return nil, fmt.Errorf("unmarshal attachment: %w", err)
	}
	return &entry, nil
}

// StoreArtwork records a fresh upload. When a concurrent caller already
// committed the same key, the uniqueness conflict is swallowed and the
// existing row's id is returned instead.
func (s *Store) StoreArtwork(ctx context.Context, sourceID, sourceType, sourceURL string, att Attachment) (int64, error) {
	payload, err := json.Marshal(att)
	if err != nil {
		return 0, fmt.Errorf("marshal attachment: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO image_cache (source_id, source_type, source_url, file_key, cdn_url, width, height, file_size, content_hash, attachment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, sourceID, sourceType, sourceURL, att.FileKey, att.URL,
		att.Width, att.Height, att.FileSize, att.Hash, string(payload)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			if err := s.db.QueryRowContext(ctx, `
				SELECT id FROM image_cache WHERE source_id = $1 AND source_type = $2
			`, sourceID, sourceType).Scan(&id); err != nil {
				return 0, fmt.Errorf("reread artwork after conflict: %w", err)
			}
			return id, nil
		}
		return 0, fmt.Errorf("insert artwork: %w", err)
	}
	return id, nil
}

// ListArtwork returns cached uploads ordered by most recent use.
func (s *Store) ListArtwork(ctx context.Context, limit, offset int) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, source_type, source_url, attachment, use_count, created_at, last_used_at
		FROM image_cache
		ORDER BY last_used_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select artwork: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var entry CacheEntry
		var attachment []byte
		if err := rows.Scan(&entry.ID, &entry.SourceID, &entry.SourceType,
			&entry.SourceURL, &attachment, &entry.UseCount, &entry.CreatedAt, &entry.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan artwork: %w", err)
		}
		if err := json.Unmarshal(attachment, &entry.Attachment); err != nil {
			return nil, fmt.Errorf("unmarshal attachment: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artwork: %w", err)
	}
	return entries, nil
}

// ArtworkStats aggregates cache totals for the dashboard.
func (s *Store) ArtworkStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(use_count), 0), COALESCE(SUM(file_size), 0)
		FROM image_cache
	`).Scan(&stats.Total, &stats.TotalUses, &stats.TotalSize)
	if err != nil {
		return CacheStats{}, fmt.Errorf("aggregate artwork stats: %w", err)
	}
	return stats, nil
}
