// Package playback runs the queue-advancing poll loop and owns the
// dequeue-and-play transition shared with the enqueue fast path.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jukebox/internal/musicapi"
	"jukebox/internal/store"
)

const (
	pollInterval     = 5 * time.Second
	debounceInterval = 3 * time.Second

	// debounceWindow suppresses re-triggering after a transition while
	// the external player's status catches up with the new track.
	debounceWindow = 10 * time.Second

	// statusSnapshotTTL is how long a polled player status stays valid
	// for dashboard reads, in seconds.
	statusSnapshotTTL = 10
)

// nowPlayingHeadline prefixes announcements for loop-triggered advances.
const nowPlayingHeadline = "⏭️ 切换到下一首:"

// QueueStore is the queue surface the engine drives.
type QueueStore interface {
	DequeueNext(ctx context.Context, clearWhenEmpty bool) (*store.QueueEntry, error)
	DefaultChannel(ctx context.Context) (string, error)
	SetPlayerStatusSnapshot(ctx context.Context, status store.PlayerStatus, ttlSeconds int) error
}

// StatsStore records realized plays.
type StatsStore interface {
	RecordPlayed(ctx context.Context, sourceID, platform, channelID, userID string) error
	RecordDailyPlay(ctx context.Context, day time.Time, platform string) error
}

// Player is the external audio player control surface.
type Player interface {
	Status(ctx context.Context) (store.PlayerStatus, error)
	Play(ctx context.Context, playURL, model, sessionID string) error
}

// Notifier announces transitions to chat; failures are logged, never fatal.
type Notifier interface {
	AnnounceTrack(ctx context.Context, channel, headline string, entry store.QueueEntry) error
}

// Engine advances the queue when the external player goes idle. Exactly
// one Run loop is expected per deployment; concurrent StartNext callers
// are safe because the underlying dequeue hands each entry to one caller.
type Engine struct {
	queue     QueueStore
	stats     StatsStore
	player    Player
	notifier  Notifier
	resolvers map[string]musicapi.Resolver
	logger    zerolog.Logger

	mu             sync.Mutex
	lastTransition time.Time
}

func NewEngine(queue QueueStore, stats StatsStore, player Player, notifier Notifier, resolvers []musicapi.Resolver, logger zerolog.Logger) *Engine {
	byPlatform := make(map[string]musicapi.Resolver, len(resolvers))
	for _, r := range resolvers {
		byPlatform[string(r.Platform())] = r
	}
	return &Engine{
		queue:     queue,
		stats:     stats,
		player:    player,
		notifier:  notifier,
		resolvers: byPlatform,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. Errors inside a tick are logged and
// never end the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Dur("interval", pollInterval).Msg("playback loop started")
	for {
		interval := pollInterval
		if e.inDebounce() {
			interval = debounceInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		e.tick(ctx)
	}
}

func (e *Engine) tick(ctx context.Context) {
	// a fresh read, not the snapshot cache: transitions must never fire
	// off a stale status.
	status, err := e.player.Status(ctx)
	if err != nil {
		// unknown state, do nothing this tick
		e.logger.Warn().Err(err).Msg("player status unavailable")
		return
	}
	if err := e.queue.SetPlayerStatusSnapshot(ctx, status, statusSnapshotTTL); err != nil {
		e.logger.Warn().Err(err).Msg("refresh status snapshot")
	}

	if status.Playing {
		return
	}
	if e.inDebounce() {
		return
	}

	entry, err := e.StartNext(ctx, false, true)
	if err != nil {
		e.logger.Error().Err(err).Msg("advance queue")
		return
	}
	if entry != nil {
		e.logger.Info().
			Str("platform", entry.Platform).
			Str("source_id", entry.SourceID).
			Str("name", entry.Name).
			Str("session", entry.PlaySessionID).
			Msg("started next track")
	}
}

// StartNext atomically pops the queue head and starts it on the external
// player. A nil entry with nil error means the queue was empty or another
// caller won the pop. clearWhenEmpty forwards to the dequeue; announce
// controls whether the transition is posted to chat.
func (e *Engine) StartNext(ctx context.Context, clearWhenEmpty, announce bool) (*store.QueueEntry, error) {
	entry, err := e.queue.DequeueNext(ctx, clearWhenEmpty)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	// a dequeue happened, so debounce regardless of whether the play
	// call below succeeds.
	e.markTransition()

	if err := e.startPlayback(ctx, entry); err != nil {
		e.logger.Error().Err(err).
			Str("platform", entry.Platform).
			Str("source_id", entry.SourceID).
			Msg("track unplayable, abandoned")
		return entry, nil
	}

	if err := e.stats.RecordPlayed(ctx, entry.SourceID, entry.Platform, entry.OriginChannel, entry.RequestedBy); err != nil {
		e.logger.Warn().Err(err).Msg("record play")
	}
	if err := e.stats.RecordDailyPlay(ctx, time.Now(), entry.Platform); err != nil {
		e.logger.Warn().Err(err).Msg("record daily play")
	}

	if announce && e.notifier != nil {
		channel := entry.OriginChannel
		if channel == "" {
			channel, err = e.queue.DefaultChannel(ctx)
			if err != nil {
				e.logger.Warn().Err(err).Msg("load default channel")
			}
		}
		if channel != "" {
			if err := e.notifier.AnnounceTrack(ctx, channel, nowPlayingHeadline, *entry); err != nil {
				e.logger.Warn().Err(err).Msg("announce track")
			}
		}
	}

	return entry, nil
}

// startPlayback hands the entry to the player, re-resolving a missing or
// rejected play URL through the original provider exactly once.
func (e *Engine) startPlayback(ctx context.Context, entry *store.QueueEntry) error {
	resolved := false
	if entry.PlayURL == "" {
		if err := e.reresolve(ctx, entry); err != nil {
			return err
		}
		resolved = true
	}

	err := e.player.Play(ctx, entry.PlayURL, playModel(entry.Platform), entry.PlaySessionID)
	if err == nil || resolved {
		return err
	}

	if rerr := e.reresolve(ctx, entry); rerr != nil {
		return err
	}
	return e.player.Play(ctx, entry.PlayURL, playModel(entry.Platform), entry.PlaySessionID)
}

func (e *Engine) reresolve(ctx context.Context, entry *store.QueueEntry) error {
	resolver, ok := e.resolvers[entry.Platform]
	if !ok {
		return musicapi.ErrNoResult
	}

	// bilibili tracks resolve by video id, the others by track name.
	keyword := entry.Name
	if entry.Platform == string(musicapi.PlatformBilibili) {
		keyword = entry.SourceID
	}

	info, err := resolver.Resolve(ctx, keyword)
	if err != nil {
		return err
	}
	entry.PlayURL = info.PlayURL
	e.logger.Info().
		Str("platform", entry.Platform).
		Str("source_id", entry.SourceID).
		Msg("re-resolved play url")
	return nil
}

// playModel is the platform-specific decode hint the player expects.
func playModel(platform string) string {
	if platform == string(musicapi.PlatformQQ) {
		return "qq"
	}
	return ""
}

func (e *Engine) markTransition() {
	e.mu.Lock()
	e.lastTransition = time.Now()
	e.mu.Unlock()
}

func (e *Engine) inDebounce() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastTransition.IsZero() && time.Since(e.lastTransition) < debounceWindow
}
