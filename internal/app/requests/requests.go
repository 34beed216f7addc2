// Package requests is the enqueue path: it turns a resolved track into a
// durable queue entry, reconciles the artwork cache and starts playback
// immediately when nothing else is going on.
package requests

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"jukebox/internal/musicapi"
	"jukebox/internal/store"
)

// ErrUnplayable rejects a resolved track with no play URL before it can
// reach the queue.
var ErrUnplayable = errors.New("resolved track has no playable url")

// QueueStore is the queue surface the enqueue path needs.
type QueueStore interface {
	Enqueue(ctx context.Context, entry store.QueueEntry) (int, error)
	Current(ctx context.Context) (*store.QueueEntry, error)
}

// ArtworkStore is the cover-image cache.
type ArtworkStore interface {
	LookupArtwork(ctx context.Context, sourceID, sourceType string) (*store.CacheEntry, error)
	StoreArtwork(ctx context.Context, sourceID, sourceType, sourceURL string, att store.Attachment) (int64, error)
}

// StatsStore records resolution intents and cache traffic.
type StatsStore interface {
	RecordResolved(ctx context.Context, entry store.QueueEntry, imageCacheID *int64) (int64, error)
	RecordDailyCacheEvent(ctx context.Context, day time.Time, hit bool) error
}

// Uploader pushes downloaded cover art to the chat gateway.
type Uploader interface {
	UploadImageFromURL(ctx context.Context, imageURL string) (*store.Attachment, error)
}

// Player reads the external player's live state.
type Player interface {
	Status(ctx context.Context) (store.PlayerStatus, error)
}

// Starter is the shared dequeue-and-play transition.
type Starter interface {
	StartNext(ctx context.Context, clearWhenEmpty, announce bool) (*store.QueueEntry, error)
}

// SubmitResult reports what happened to a request.
type SubmitResult struct {
	// Started is true when the request began playing immediately instead
	// of waiting in the queue.
	Started bool
	// Position is the user-visible queue position: when a track is
	// currently active the head of the queue is position 1, otherwise
	// positions are the raw zero-based queue index.
	Position int
	Entry    store.QueueEntry
}

// Service coordinates one request submission end to end.
type Service struct {
	queue    QueueStore
	artwork  ArtworkStore
	stats    StatsStore
	uploader Uploader
	player   Player
	starter  Starter
	logger   zerolog.Logger
}

func NewService(queue QueueStore, artwork ArtworkStore, stats StatsStore, uploader Uploader, player Player, starter Starter, logger zerolog.Logger) *Service {
	return &Service{
		queue:    queue,
		artwork:  artwork,
		stats:    stats,
		uploader: uploader,
		player:   player,
		starter:  starter,
		logger:   logger,
	}
}

// Submit enqueues a resolved track for channel/user. When the player is
// idle, nothing is current and the entry landed at the queue head, it
// starts playing synchronously so the requester hears it right away.
func (s *Service) Submit(ctx context.Context, info musicapi.TrackInfo, channel, user string) (SubmitResult, error) {
	if info.PlayURL == "" {
		return SubmitResult{}, ErrUnplayable
	}

	entry := store.QueueEntry{
		Platform:      string(info.Platform),
		SourceID:      info.SourceID,
		Name:          info.Name,
		Artist:        info.Artist,
		Album:         info.Album,
		Duration:      info.DurationText,
		PlayURL:       info.PlayURL,
		CoverURL:      info.CoverURL,
		Quality:       info.Quality,
		OriginChannel: channel,
		RequestedBy:   user,
	}

	imageCacheID := s.attachArtwork(ctx, &entry)

	if _, err := s.stats.RecordResolved(ctx, entry, imageCacheID); err != nil {
		s.logger.Warn().Err(err).Msg("record resolution")
	}

	position, err := s.queue.Enqueue(ctx, entry)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Position: position, Entry: entry}

	if position == 0 && s.playerIdle(ctx) {
		started, err := s.starter.StartNext(ctx, false, false)
		if err != nil {
			s.logger.Error().Err(err).Msg("immediate start")
		}
		if started != nil {
			result.Started = true
			result.Entry = *started
			return result, nil
		}
	}

	// with a track active the head of the pending queue reads as
	// position 1; with nothing active the raw index is already right.
	if current, err := s.queue.Current(ctx); err == nil && current != nil {
		result.Position = position + 1
	}
	return result, nil
}

// attachArtwork fills the entry's attachment from the cache, uploading on
// a miss. Artwork is best effort: any failure leaves the entry without an
// attachment and never fails the submission.
func (s *Service) attachArtwork(ctx context.Context, entry *store.QueueEntry) *int64 {
	if entry.CoverURL == "" {
		return nil
	}

	cached, err := s.artwork.LookupArtwork(ctx, entry.SourceID, entry.Platform)
	if err != nil {
		s.logger.Warn().Err(err).Msg("artwork lookup")
		return nil
	}
	if cached != nil {
		s.recordCacheEvent(ctx, true)
		entry.Attachments = []store.Attachment{cached.Attachment}
		return &cached.ID
	}

	s.recordCacheEvent(ctx, false)

	att, err := s.uploader.UploadImageFromURL(ctx, entry.CoverURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("cover", entry.CoverURL).Msg("artwork upload")
		return nil
	}

	id, err := s.artwork.StoreArtwork(ctx, entry.SourceID, entry.Platform, entry.CoverURL, *att)
	if err != nil {
		s.logger.Warn().Err(err).Msg("artwork store")
		entry.Attachments = []store.Attachment{*att}
		return nil
	}

	entry.Attachments = []store.Attachment{*att}
	return &id
}

func (s *Service) recordCacheEvent(ctx context.Context, hit bool) {
	if err := s.stats.RecordDailyCacheEvent(ctx, time.Now(), hit); err != nil {
		s.logger.Warn().Err(err).Msg("record cache event")
	}
}

// playerIdle reports whether an immediate start is allowed: the player
// must be idle on a fresh read and no current entry may exist. An
// unreachable player counts as busy, leaving the start to the poll loop.
func (s *Service) playerIdle(ctx context.Context) bool {
	status, err := s.player.Status(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("player status unavailable")
		return false
	}
	if status.Playing {
		return false
	}

	current, err := s.queue.Current(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load current entry")
		return false
	}
	return current == nil
}
