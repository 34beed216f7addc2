package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TrackStats is the per-track play counter row, unique on
// (SourceID, Platform).
type TrackStats struct {
	ID           int64     `json:"id"`
	SourceID     string    `json:"source_id"`
	Platform     string    `json:"platform"`
	Name         string    `json:"name"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album"`
	Duration     string    `json:"duration"`
	CoverURL     string    `json:"cover_url"`
	PlayURL      string    `json:"play_url"`
	ImageCacheID *int64    `json:"image_cache_id,omitempty"`
	PlayCount    int       `json:"play_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastPlayedAt time.Time `json:"last_played_at"`
}

// DailyStats is one row per calendar day in the bot's timezone. Counters
// only ever go up.
type DailyStats struct {
	Day           string `json:"date"`
	TotalPlays    int    `json:"total_plays"`
	NeteasePlays  int    `json:"netease_plays"`
	QQPlays       int    `json:"qq_plays"`
	BilibiliPlays int    `json:"bilibili_plays"`
	CacheHits     int    `json:"cache_hits"`
	CacheMisses   int    `json:"cache_misses"`
}

// dailyPlatformColumns whitelists the per-platform counter columns; an
// unknown platform only bumps the total.
var dailyPlatformColumns = map[string]string{
	"netease":  "netease_plays",
	"qq":       "qq_plays",
	"bilibili": "bilibili_plays",
}

// RecordResolved upserts the track's stats row when a request resolves.
// This is the intent counter: a first resolution creates the row with
// count 1, later ones bump the count and refresh the timestamp. A non-nil
// imageCacheID links the row to its cached artwork without ever unlinking.
func (s *Store) RecordResolved(ctx context.Context, entry QueueEntry, imageCacheID *int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO track_stats (source_id, platform, name, artist, album, duration, cover_url, play_url, image_cache_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_id, platform) DO UPDATE SET
			play_count = track_stats.play_count + 1,
			last_played_at = NOW(),
			image_cache_id = COALESCE(EXCLUDED.image_cache_id, track_stats.image_cache_id)
		RETURNING id
	`, entry.SourceID, entry.Platform, entry.Name, entry.Artist, entry.Album,
		entry.Duration, entry.CoverURL, entry.PlayURL, imageCacheID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert track stats: %w", err)
	}
	return id, nil
}

// RecordPlayed bumps the realized-play counter for a track that actually
// started on the external player and appends a play-history log row. It
// returns ErrNotFound when the track has no stats row yet.
func (s *Store) RecordPlayed(ctx context.Context, sourceID, platform, channelID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx, `
		UPDATE track_stats
		SET play_count = play_count + 1, last_played_at = NOW()
		WHERE source_id = $1 AND platform = $2
		RETURNING id
	`, sourceID, platform).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update track stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO play_history_log (track_stats_id, platform, channel_id, user_id)
		VALUES ($1, $2, $3, $4)
	`, id, platform, channelID, userID); err != nil {
		return fmt.Errorf("insert play history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	tx = nil

	return nil
}

// TopTracks lists the most played tracks, optionally for one platform.
func (s *Store) TopTracks(ctx context.Context, platform string, limit int) ([]TrackStats, error) {
	query := `
		SELECT id, source_id, platform, name, artist, album, duration, cover_url, play_url, image_cache_id, play_count, created_at, last_played_at
		FROM track_stats`
	args := []any{}
	if platform != "" {
		query += ` WHERE platform = $1 ORDER BY play_count DESC, last_played_at DESC LIMIT $2`
		args = append(args, platform, limit)
	} else {
		query += ` ORDER BY play_count DESC, last_played_at DESC LIMIT $1`
		args = append(args, limit)
	}
	return s.queryTrackStats(ctx, query, args...)
}

// RecentTracks lists tracks by most recent play.
func (s *Store) RecentTracks(ctx context.Context, limit int) ([]TrackStats, error) {
	return s.queryTrackStats(ctx, `
		SELECT id, source_id, platform, name, artist, album, duration, cover_url, play_url, image_cache_id, play_count, created_at, last_played_at
		FROM track_stats
		ORDER BY last_played_at DESC
		LIMIT $1
	`, limit)
}

func (s *Store) queryTrackStats(ctx context.Context, query string, args ...any) ([]TrackStats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select track stats: %w", err)
	}
	defer rows.Close()

	var tracks []TrackStats
	for rows.Next() {
		var t TrackStats
		var imageCacheID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.SourceID, &t.Platform, &t.Name, &t.Artist,
			&t.Album, &t.Duration, &t.CoverURL, &t.PlayURL, &imageCacheID,
			&t.PlayCount, &t.CreatedAt, &t.LastPlayedAt); err != nil {
			return nil, fmt.Errorf("scan track stats: %w", err)
		}
		if imageCacheID.Valid {
			t.ImageCacheID = &imageCacheID.Int64
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track stats: %w", err)
	}
	return tracks, nil
}

// RecordDailyPlay bumps today's total play counter and, for a known
// platform, the per-platform counter. The day row is created lazily on
// the first event of a new day.
func (s *Store) RecordDailyPlay(ctx context.Context, day time.Time, platform string) error {
	set := "total_plays = total_plays + 1"
	if col, ok := dailyPlatformColumns[platform]; ok {
		set += fmt.Sprintf(", %s = %s + 1", col, col)
	}
	return s.bumpDaily(ctx, day, set)
}

// RecordDailyCacheEvent bumps today's artwork cache hit or miss counter.
func (s *Store) RecordDailyCacheEvent(ctx context.Context, day time.Time, hit bool) error {
	if hit {
		return s.bumpDaily(ctx, day, "cache_hits = cache_hits + 1")
	}
	return s.bumpDaily(ctx, day, "cache_misses = cache_misses + 1")
}

// statsDay renders the calendar day a timestamp falls on in the
// configured statistics timezone.
func (s *Store) statsDay(day time.Time) string {
	return day.In(s.statsLoc).Format("2006-01-02")
}

func (s *Store) bumpDaily(ctx context.Context, day time.Time, set string) error {
	date := s.statsDay(day)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (day) VALUES ($1)
		ON CONFLICT (day) DO NOTHING
	`, date); err != nil {
		return fmt.Errorf("ensure daily stats row: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE daily_stats SET %s WHERE day = $1`, set), date); err != nil {
		return fmt.Errorf("increment daily stats: %w", err)
	}
	return nil
}

// DailyStatsFor returns the counters for one day; a day with no events
// yet yields zeroes rather than ErrNotFound.
func (s *Store) DailyStatsFor(ctx context.Context, day time.Time) (DailyStats, error) {
	date := s.statsDay(day)
	stats := DailyStats{Day: date}

	err := s.db.QueryRowContext(ctx, `
		SELECT total_plays, netease_plays, qq_plays, bilibili_plays, cache_hits, cache_misses
		FROM daily_stats
		WHERE day = $1
	`, date).Scan(&stats.TotalPlays, &stats.NeteasePlays, &stats.QQPlays,
		&stats.BilibiliPlays, &stats.CacheHits, &stats.CacheMisses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stats, nil
		}
		return DailyStats{}, fmt.Errorf("select daily stats: %w", err)
	}
	return stats, nil
}

// RecentDailyStats returns up to days rows, most recent day first.
func (s *Store) RecentDailyStats(ctx context.Context, days int) ([]DailyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, total_plays, netease_plays, qq_plays, bilibili_plays, cache_hits, cache_misses
		FROM daily_stats
		ORDER BY day DESC
		LIMIT $1
	`, days)
	if err != nil {
		return nil, fmt.Errorf("select recent daily stats: %w", err)
	}
	defer rows.Close()

	var all []DailyStats
	for rows.Next() {
		var stats DailyStats
		var day time.Time
		if err := rows.Scan(&day, &stats.TotalPlays, &stats.NeteasePlays,
			&stats.QQPlays, &stats.BilibiliPlays, &stats.CacheHits, &stats.CacheMisses); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		stats.Day = day.Format("2006-01-02")
		all = append(all, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily stats: %w", err)
	}
	return all, nil
}
