package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	stateKeyDefaultChannel = "default_channel"
	stateKeyPlayerStatus   = "player_status"

	// defaultChannelTTL bounds how long a remembered channel stays usable
	// for background notifications.
	defaultChannelTTL = 24 * time.Hour

	// historyLimit caps the play-history ring.
	historyLimit = 50
)

// Attachment is an uploaded image reference as the chat gateway returns it.
type Attachment struct {
	FileKey        string `json:"fileKey"`
	URL            string `json:"url"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FileSize       int64  `json:"fileSize"`
	Hash           string `json:"hash"`
	Animated       bool   `json:"animated"`
	DisplayName    string `json:"displayName"`
	AttachmentType string `json:"attachmentType"`
}

// QueueEntry is one pending or currently-playing track request.
type QueueEntry struct {
	Platform      string       `json:"platform"`
	SourceID      string       `json:"song_id"`
	Name          string       `json:"name"`
	Artist        string       `json:"artists"`
	Album         string       `json:"album"`
	Duration      string       `json:"duration"`
	PlayURL       string       `json:"url"`
	CoverURL      string       `json:"cover"`
	Quality       string       `json:"song_quality,omitempty"`
	Attachments   []Attachment `json:"attachments"`
	OriginChannel string       `json:"channel"`
	RequestedBy   string       `json:"user"`

	// PlaySessionID is assigned exactly once, when the entry is dequeued
	// for playback, and correlates the external player's completion signal
	// with this attempt.
	PlaySessionID string `json:"playSessionId,omitempty"`
}

// PlayerStatus mirrors the external audio player's status response.
type PlayerStatus struct {
	Playing       bool   `json:"playing"`
	CurrentFile   string `json:"currentFile,omitempty"`
	PlaybackState string `json:"playbackState,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// Enqueue appends an entry to the queue tail and returns its zero-based
// position at the time of insertion. The position is a snapshot; concurrent
// enqueues after this call do not change it. If the entry carries an origin
// channel it becomes the default channel for the next 24 hours.
func (s *Store) Enqueue(ctx context.Context, entry QueueEntry) (int, error) {
	atts := entry.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	attachments, err := json.Marshal(atts)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO queue_entries (platform, source_id, name, artist, album, duration, play_url, cover_url, quality, attachments, origin_channel, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, entry.Platform, entry.SourceID, entry.Name, entry.Artist, entry.Album,
		entry.Duration, entry.PlayURL, entry.CoverURL, entry.Quality, string(attachments),
		entry.OriginChannel, entry.RequestedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert queue entry: %w", err)
	}

	var position int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE id < $1
	`, id).Scan(&position); err != nil {
		return 0, fmt.Errorf("count preceding entries: %w", err)
	}

	if entry.OriginChannel != "" {
		if err := rememberDefaultChannel(ctx, tx, entry.OriginChannel); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	tx = nil

	return position, nil
}

// PeekNext returns the queue head without removing it, or nil when the
// queue is empty.
func (s *Store) PeekNext(ctx context.Context) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, source_id, name, artist, album, duration, play_url, cover_url, quality, attachments, origin_channel, requested_by
		FROM queue_entries
		ORDER BY id
		LIMIT 1
	`)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("peek queue head: %w", err)
	}
	return entry, nil
}

// DequeueNext pops the queue head, promotes it to the current entry and
// moves the previous current entry (if any) into history. The popped entry
// is returned with a freshly assigned play session id.
//
// Only one caller receives any given entry: the head row is locked with
// SKIP LOCKED, so a concurrent dequeuer observes an empty queue instead of
// racing for the same row. When the queue is empty the current entry is
// left untouched unless clearWhenEmpty is set, so dashboards keep showing
// the last played track after the queue drains.
func (s *Store) DequeueNext(ctx context.Context, clearWhenEmpty bool) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	row := tx.QueryRowContext(ctx, `
		SELECT id, platform, source_id, name, artist, album, duration, play_url, cover_url, quality, attachments, origin_channel, requested_by
		FROM queue_entries
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	entry, err := scanQueueEntryWithID(row, &id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lock queue head: %w", err)
		}
		if clearWhenEmpty {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_current WHERE id = 1`); err != nil {
				return nil, fmt.Errorf("clear current entry: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		tx = nil
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete queue head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_history (entry)
		SELECT entry FROM queue_current WHERE id = 1
	`); err != nil {
		return nil, fmt.Errorf("move current to history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_history
		WHERE id NOT IN (SELECT id FROM queue_history ORDER BY id DESC LIMIT $1)
	`, historyLimit); err != nil {
		return nil, fmt.Errorf("trim history: %w", err)
	}

	entry.PlaySessionID = uuid.NewString()
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal current entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_current (id, entry, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET entry = EXCLUDED.entry, updated_at = NOW()
	`, string(payload)); err != nil {
		return nil, fmt.Errorf("set current entry: %w", err)
	}

	if entry.OriginChannel != "" {
		if err := rememberDefaultChannel(ctx, tx, entry.OriginChannel); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	tx = nil

	return entry, nil
}

// Current returns the currently-playing entry, or nil when nothing has
// played yet (or the slot was explicitly cleared).
func (s *Store) Current(ctx context.Context) (*QueueEntry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT entry FROM queue_current WHERE id = 1
	`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select current entry: %w", err)
	}

	var entry QueueEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal current entry: %w", err)
	}
	return &entry, nil
}

// QueueSnapshot returns a read-only slice of the pending queue.
func (s *Store) QueueSnapshot(ctx context.Context, offset, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, source_id, name, artist, album, duration, play_url, cover_url, quality, attachments, origin_channel, requested_by
		FROM queue_entries
		ORDER BY id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return entries, nil
}

// Length returns the number of pending entries.
func (s *Store) Length(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}

// RemoveAt removes the entry at the given zero-based position. It reports
// false when the index is out of range at the time of removal, which can
// happen when the queue shrank concurrently.
func (s *Store) RemoveAt(ctx context.Context, index int) (bool, error) {
	if index < 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE id = (SELECT id FROM queue_entries ORDER BY id OFFSET $1 LIMIT 1)
	`, index)
	if err != nil {
		return false, fmt.Errorf("remove queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Clear drops all pending entries. The current entry is left in place.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// History returns up to limit recently played entries, most recent first.
func (s *Store) History(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM queue_history ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		var entry QueueEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// DefaultChannel returns the last channel an enqueue came from, or an empty
// string when none was recorded within the freshness window.
func (s *Store) DefaultChannel(ctx context.Context) (string, error) {
	var channel string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM bot_state
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, stateKeyDefaultChannel).Scan(&channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("select default channel: %w", err)
	}
	return channel, nil
}

// SetPlayerStatusSnapshot caches the external player's status for ttlSeconds
// so bursts of dashboard reads do not each hit the player process.
func (s *Store) SetPlayerStatusSnapshot(ctx context.Context, status PlayerStatus, ttlSeconds int) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal player status: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_state (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, stateKeyPlayerStatus, string(payload), ttlSeconds); err != nil {
		return fmt.Errorf("store player status: %w", err)
	}
	return nil
}

// PlayerStatusSnapshot returns the cached player status, or nil when the
// cache is empty or stale.
func (s *Store) PlayerStatusSnapshot(ctx context.Context) (*PlayerStatus, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM bot_state
		WHERE key = $1 AND expires_at > NOW()
	`, stateKeyPlayerStatus).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select player status: %w", err)
	}

	var status PlayerStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("unmarshal player status: %w", err)
	}
	return &status, nil
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func rememberDefaultChannel(ctx context.Context, q execer, channel string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO bot_state (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, stateKeyDefaultChannel, channel, int(defaultChannelTTL.Seconds())); err != nil {
		return fmt.Errorf("remember default channel: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var entry QueueEntry
	var attachments []byte
	if err := row.Scan(&entry.Platform, &entry.SourceID, &entry.Name, &entry.Artist,
		&entry.Album, &entry.Duration, &entry.PlayURL, &entry.CoverURL, &entry.Quality,
		&attachments, &entry.OriginChannel, &entry.RequestedBy); err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &entry, nil
}

func scanQueueEntryWithID(row rowScanner, id *int64) (*QueueEntry, error) {
	var entry QueueEntry
	var attachments []byte
	if err := row.Scan(id, &entry.Platform, &entry.SourceID, &entry.Name, &entry.Artist,
		&entry.Album, &entry.Duration, &entry.PlayURL, &entry.CoverURL, &entry.Quality,
		&attachments, &entry.OriginChannel, &entry.RequestedBy); err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &entry, nil
}
