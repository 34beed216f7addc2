// Package httpapi serves the dashboard REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"jukebox/internal/app/requests"
	"jukebox/internal/musicapi"
	"jukebox/internal/store"
)

// QueueService is the queue surface the dashboard reads and mutates.
type QueueService interface {
	Current(ctx context.Context) (*store.QueueEntry, error)
	PeekNext(ctx context.Context) (*store.QueueEntry, error)
	Length(ctx context.Context) (int, error)
	QueueSnapshot(ctx context.Context, offset, limit int) ([]store.QueueEntry, error)
	Clear(ctx context.Context) error
	RemoveAt(ctx context.Context, index int) (bool, error)
	History(ctx context.Context, limit int) ([]store.QueueEntry, error)
	PlayerStatusSnapshot(ctx context.Context) (*store.PlayerStatus, error)
	SetPlayerStatusSnapshot(ctx context.Context, status store.PlayerStatus, ttlSeconds int) error
}

// CacheService exposes the artwork cache for dashboard browsing.
type CacheService interface {
	ListArtwork(ctx context.Context, limit, offset int) ([]store.CacheEntry, error)
	ArtworkStats(ctx context.Context) (store.CacheStats, error)
	LookupArtwork(ctx context.Context, sourceID, sourceType string) (*store.CacheEntry, error)
}

// StatsService exposes play statistics.
type StatsService interface {
	TopTracks(ctx context.Context, platform string, limit int) ([]store.TrackStats, error)
	RecentTracks(ctx context.Context, limit int) ([]store.TrackStats, error)
	DailyStatsFor(ctx context.Context, day time.Time) (store.DailyStats, error)
	RecentDailyStats(ctx context.Context, days int) ([]store.DailyStats, error)
}

// RequestService submits resolved tracks into the queue.
type RequestService interface {
	Submit(ctx context.Context, info musicapi.TrackInfo, channel, user string) (requests.SubmitResult, error)
}

// PlaybackService drives manual skips.
type PlaybackService interface {
	StartNext(ctx context.Context, clearWhenEmpty, announce bool) (*store.QueueEntry, error)
}

// PlayerService reads and controls the external audio player.
type PlayerService interface {
	Status(ctx context.Context) (store.PlayerStatus, error)
	Stop(ctx context.Context) error
}

// Server wires HTTP handlers to the underlying services.
type Server struct {
	queue    QueueService
	cache    CacheService
	stats    StatsService
	requests RequestService
	playback PlaybackService
	player   PlayerService
	auth     *Authenticator
	logger   zerolog.Logger
}

func New(
	queue QueueService,
	cache CacheService,
	stats StatsService,
	requestSvc RequestService,
	playback PlaybackService,
	player PlayerService,
	auth *Authenticator,
	logger zerolog.Logger,
) *Server {
	return &Server{
		queue:    queue,
		cache:    cache,
		stats:    stats,
		requests: requestSvc,
		playback: playback,
		player:   player,
		auth:     auth,
		logger:   logger,
	}
}

// Routes exposes the dashboard API handlers.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	mux.HandleFunc("GET /api/player/status", s.requireAuth(s.handlePlayerStatus))
	mux.HandleFunc("POST /api/player/stop", s.requireAuth(s.handlePlayerStop))

	mux.HandleFunc("GET /api/queue/status", s.requireAuth(s.handleQueueStatus))
	mux.HandleFunc("GET /api/queue/list", s.requireAuth(s.handleQueueList))
	mux.HandleFunc("POST /api/queue/add", s.handleQueueAdd)
	mux.HandleFunc("POST /api/queue/next", s.requireAuth(s.handleQueueNext))
	mux.HandleFunc("DELETE /api/queue/clear", s.requireAuth(s.handleQueueClear))
	mux.HandleFunc("DELETE /api/queue/remove/{index}", s.requireAuth(s.handleQueueRemove))
	mux.HandleFunc("GET /api/queue/history", s.requireAuth(s.handleQueueHistory))

	mux.HandleFunc("GET /api/cache/images", s.handleCacheImages)
	mux.HandleFunc("GET /api/cache/images/{source_type}/{source_id}", s.handleCacheImageBySource)

	mux.HandleFunc("GET /api/songs/top", s.handleTopSongs)
	mux.HandleFunc("GET /api/songs/recent", s.handleRecentSongs)

	mux.HandleFunc("GET /api/statistics/today", s.handleTodayStatistics)
	mux.HandleFunc("GET /api/statistics/recent", s.handleRecentStatistics)
	mux.HandleFunc("GET /api/statistics/summary", s.requireAuth(s.handleSummaryStatistics))

	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

// handlePlayerStatus serves the short-TTL snapshot when fresh, falling
// back to a live read that repopulates it.
func (s *Server) handlePlayerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if snapshot, err := s.queue.PlayerStatusSnapshot(ctx); err == nil && snapshot != nil {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	status, err := s.player.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "player unreachable"})
		return
	}
	if err := s.queue.SetPlayerStatusSnapshot(ctx, status, 10); err != nil {
		s.logger.Warn().Err(err).Msg("refresh status snapshot")
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlayerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.player.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "player unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type queueStatusResponse struct {
	Current     *store.QueueEntry `json:"current"`
	QueueLength int               `json:"queue_length"`
	Next        *store.QueueEntry `json:"next"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	current, err := s.queue.Current(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	length, err := s.queue.Length(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	next, err := s.queue.PeekNext(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, queueStatusResponse{
		Current:     current,
		QueueLength: length,
		Next:        next,
	})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50, 1, 100)

	entries, err := s.queue.QueueSnapshot(ctx, 0, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	total, err := s.queue.Length(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"queue": entries,
	})
}

type queueAddRequest struct {
	Platform string `json:"platform"`
	SourceID string `json:"song_id"`
	Name     string `json:"name"`
	Artist   string `json:"artists"`
	Album    string `json:"album"`
	Duration string `json:"duration"`
	PlayURL  string `json:"url"`
	CoverURL string `json:"cover"`
	Quality  string `json:"song_quality"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req queueAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	info := musicapi.TrackInfo{
		Platform:     musicapi.Platform(req.Platform),
		SourceID:     req.SourceID,
		Name:         req.Name,
		Artist:       req.Artist,
		Album:        req.Album,
		DurationText: req.Duration,
		CoverURL:     req.CoverURL,
		PlayURL:      req.PlayURL,
		Quality:      req.Quality,
	}

	result, err := s.requests.Submit(r.Context(), info, req.Channel, req.User)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"started":  result.Started,
		"position": result.Position,
	})
}

// handleQueueNext skips to the next track. With clear_current=true a skip
// on a drained queue also retires the now-playing entry instead of
// preserving it for the dashboard.
func (s *Server) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	clearCurrent := r.URL.Query().Get("clear_current") == "true"
	entry, err := s.playback.StartNext(r.Context(), clearCurrent, true)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "empty", "message": "队列为空"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "song": entry})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid index"})
		return
	}

	removed, err := s.queue.RemoveAt(r.Context(), index)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "position does not exist"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 50)

	history, err := s.queue.History(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(history),
		"history": history,
	})
}

func (s *Server) handleCacheImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50, 1, 200)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	images, err := s.cache.ListArtwork(ctx, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	stats, err := s.cache.ArtworkStats(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":  stats.Total,
		"images": images,
		"stats":  stats,
	})
}

func (s *Server) handleCacheImageBySource(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cache.LookupArtwork(r.Context(), r.PathValue("source_id"), r.PathValue("source_type"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "miss", "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "hit", "data": entry})
}

func (s *Server) handleTopSongs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 100)
	platform := r.URL.Query().Get("platform")

	songs, err := s.stats.TopTracks(r.Context(), platform, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(songs),
		"songs": songs,
	})
}

func (s *Server) handleRecentSongs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 100)

	songs, err := s.stats.RecentTracks(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(songs),
		"songs": songs,
	})
}

func (s *Server) handleTodayStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.DailyStatsFor(r.Context(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecentStatistics(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7, 1, 30)

	stats, err := s.stats.RecentDailyStats(r.Context(), days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days": days,
		"data": stats,
	})
}

func (s *Server) handleSummaryStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	today, err := s.stats.DailyStatsFor(ctx, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	cacheStats, err := s.cache.ArtworkStats(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	length, err := s.queue.Length(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	current, err := s.queue.Current(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"today":           today,
		"queue_length":    length,
		"image_cache":     cacheStats,
		"current_playing": current,
	})
}

// queryInt reads an integer query parameter, clamping to [min, max].
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
