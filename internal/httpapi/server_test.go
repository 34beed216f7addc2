package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"jukebox/internal/app/requests"
	"jukebox/internal/musicapi"
	"jukebox/internal/store"
)

type stubQueueService struct {
	current  *store.QueueEntry
	next     *store.QueueEntry
	length   int
	snapshot []store.QueueEntry
	history  []store.QueueEntry

	removed      bool
	removedIndex int

	statusSnapshot   *store.PlayerStatus
	setSnapshotCalls int

	clearErr error
}

func (s *stubQueueService) Current(context.Context) (*store.QueueEntry, error) {
	return s.current, nil
}

func (s *stubQueueService) PeekNext(context.Context) (*store.QueueEntry, error) {
	return s.next, nil
}

func (s *stubQueueService) Length(context.Context) (int, error) {
	return s.length, nil
}

func (s *stubQueueService) QueueSnapshot(context.Context, int, int) ([]store.QueueEntry, error) {
	return s.snapshot, nil
}

func (s *stubQueueService) Clear(context.Context) error {
	return s.clearErr
}

func (s *stubQueueService) RemoveAt(_ context.Context, index int) (bool, error) {
	s.removedIndex = index
	return s.removed, nil
}

func (s *stubQueueService) History(context.Context, int) ([]store.QueueEntry, error) {
	return s.history, nil
}

func (s *stubQueueService) PlayerStatusSnapshot(context.Context) (*store.PlayerStatus, error) {
	return s.statusSnapshot, nil
}

func (s *stubQueueService) SetPlayerStatusSnapshot(context.Context, store.PlayerStatus, int) error {
	s.setSnapshotCalls++
	return nil
}

type stubCacheService struct {
	images []store.CacheEntry
	stats  store.CacheStats
	lookup *store.CacheEntry
}

func (s *stubCacheService) ListArtwork(context.Context, int, int) ([]store.CacheEntry, error) {
	return s.images, nil
}

func (s *stubCacheService) ArtworkStats(context.Context) (store.CacheStats, error) {
	return s.stats, nil
}

func (s *stubCacheService) LookupArtwork(context.Context, string, string) (*store.CacheEntry, error) {
	return s.lookup, nil
}

type stubStatsService struct {
	top         []store.TrackStats
	recent      []store.TrackStats
	daily       store.DailyStats
	recentDaily []store.DailyStats

	lastLimit    int
	lastPlatform string
}

func (s *stubStatsService) TopTracks(_ context.Context, platform string, limit int) ([]store.TrackStats, error) {
	s.lastPlatform = platform
	s.lastLimit = limit
	return s.top, nil
}

func (s *stubStatsService) RecentTracks(_ context.Context, limit int) ([]store.TrackStats, error) {
	s.lastLimit = limit
	return s.recent, nil
}

func (s *stubStatsService) DailyStatsFor(context.Context, time.Time) (store.DailyStats, error) {
	return s.daily, nil
}

func (s *stubStatsService) RecentDailyStats(context.Context, int) ([]store.DailyStats, error) {
	return s.recentDaily, nil
}

type stubRequestService struct {
	result requests.SubmitResult
	err    error

	gotInfo    musicapi.TrackInfo
	gotChannel string
	gotUser    string
}

func (s *stubRequestService) Submit(_ context.Context, info musicapi.TrackInfo, channel, user string) (requests.SubmitResult, error) {
	s.gotInfo = info
	s.gotChannel = channel
	s.gotUser = user
	if s.err != nil {
		return requests.SubmitResult{}, s.err
	}
	return s.result, nil
}

type stubPlaybackService struct {
	entry *store.QueueEntry
	err   error

	gotClearWhenEmpty bool
}

func (s *stubPlaybackService) StartNext(_ context.Context, clearWhenEmpty, _ bool) (*store.QueueEntry, error) {
	s.gotClearWhenEmpty = clearWhenEmpty
	return s.entry, s.err
}

type stubPlayerService struct {
	status      store.PlayerStatus
	statusErr   error
	stopErr     error
	statusCalls int
}

func (s *stubPlayerService) Status(context.Context) (store.PlayerStatus, error) {
	s.statusCalls++
	if s.statusErr != nil {
		return store.PlayerStatus{}, s.statusErr
	}
	return s.status, nil
}

func (s *stubPlayerService) Stop(context.Context) error {
	return s.stopErr
}

const (
	testUsername = "admin"
	testPassword = "open sesame"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return NewAuthenticator(AuthConfig{
		Username:     testUsername,
		PasswordHash: string(hash),
		JWTSecret:    "unit-test-secret",
		TokenTTL:     time.Hour,
	})
}

type testServer struct {
	*Server
	queue    *stubQueueService
	cache    *stubCacheService
	stats    *stubStatsService
	requests *stubRequestService
	playback *stubPlaybackService
	player   *stubPlayerService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		queue:    &stubQueueService{},
		cache:    &stubCacheService{},
		stats:    &stubStatsService{},
		requests: &stubRequestService{},
		playback: &stubPlaybackService{},
		player:   &stubPlayerService{},
	}
	ts.Server = New(ts.queue, ts.cache, ts.stats, ts.requests, ts.playback, ts.player,
		testAuthenticator(t), zerolog.Nop())
	return ts
}

func authedRequest(t *testing.T, server *Server, method, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	token, err := server.auth.IssueToken(testUsername)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealth(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestLoginSuccessSetsCookie(t *testing.T) {
	server := newTestServer(t)
	b, _ := json.Marshal(map[string]string{"username": testUsername, "password": testPassword})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(b))
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.AccessToken == "" || payload.TokenType != "bearer" {
		t.Fatalf("unexpected login payload: %#v", payload)
	}

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == accessTokenCookie {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("expected access_token cookie")
	}
	if !sessionCookie.HttpOnly {
		t.Fatal("expected HttpOnly cookie")
	}
	if sessionCookie.Value != payload.AccessToken {
		t.Fatal("cookie and body token differ")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	server := newTestServer(t)
	b, _ := json.Marshal(map[string]string{"username": testUsername, "password": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(b))
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestLoginWrongUsername(t *testing.T) {
	server := newTestServer(t)
	b, _ := json.Marshal(map[string]string{"username": "intruder", "password": testPassword})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(b))
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestAuthCheckWithCookie(t *testing.T) {
	server := newTestServer(t)
	token, err := server.auth.IssueToken(testUsername)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: token})
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Authenticated bool   `json:"authenticated"`
		Username      string `json:"username"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Authenticated || payload.Username != testUsername {
		t.Fatalf("unexpected check payload: %#v", payload)
	}
}

func TestAuthCheckWithoutToken(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"authenticated":false`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestQueueStatusRequiresAuth(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestQueueStatusRejectsGarbageToken(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.current = &store.QueueEntry{SourceID: "n1", Name: "Now"}
	ts.queue.next = &store.QueueEntry{SourceID: "n2", Name: "Next"}
	ts.queue.length = 3

	req := authedRequest(t, ts.Server, http.MethodGet, "/api/queue/status", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload queueStatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.QueueLength != 3 {
		t.Fatalf("expected queue length 3, got %d", payload.QueueLength)
	}
	if payload.Current == nil || payload.Current.SourceID != "n1" {
		t.Fatalf("unexpected current: %#v", payload.Current)
	}
	if payload.Next == nil || payload.Next.SourceID != "n2" {
		t.Fatalf("unexpected next: %#v", payload.Next)
	}
}

func TestQueueAddForwardsTrackToSubmit(t *testing.T) {
	ts := newTestServer(t)
	ts.requests.result = requests.SubmitResult{Started: true}

	b, _ := json.Marshal(map[string]any{
		"platform":     "netease",
		"song_id":      "12345",
		"name":         "Song",
		"artists":      "Artist",
		"url":          "http://play/12345",
		"song_quality": "极高",
		"channel":      "chan-1",
		"user":         "user-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/queue/add", bytes.NewReader(b))
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if ts.requests.gotInfo.Platform != musicapi.PlatformNetease {
		t.Fatalf("expected netease platform, got %q", ts.requests.gotInfo.Platform)
	}
	if ts.requests.gotInfo.SourceID != "12345" || ts.requests.gotInfo.Quality != "极高" {
		t.Fatalf("unexpected track info: %#v", ts.requests.gotInfo)
	}
	if ts.requests.gotChannel != "chan-1" || ts.requests.gotUser != "user-1" {
		t.Fatalf("unexpected origin: %q %q", ts.requests.gotChannel, ts.requests.gotUser)
	}

	var payload struct {
		Status   string `json:"status"`
		Started  bool   `json:"started"`
		Position int    `json:"position"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "success" || !payload.Started {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestQueueAddInvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/queue/add", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestQueueAddUnplayable(t *testing.T) {
	ts := newTestServer(t)
	ts.requests.err = requests.ErrUnplayable

	b, _ := json.Marshal(map[string]string{"platform": "netease", "song_id": "1"})
	req := httptest.NewRequest(http.MethodPost, "/api/queue/add", bytes.NewReader(b))
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestQueueNextSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.playback.entry = &store.QueueEntry{SourceID: "n1", Name: "Song"}

	req := authedRequest(t, ts.Server, http.MethodPost, "/api/queue/next", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status string           `json:"status"`
		Song   store.QueueEntry `json:"song"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "success" || payload.Song.SourceID != "n1" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestQueueNextEmpty(t *testing.T) {
	ts := newTestServer(t)

	req := authedRequest(t, ts.Server, http.MethodPost, "/api/queue/next", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"empty"`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if ts.playback.gotClearWhenEmpty {
		t.Fatal("plain skip must preserve the current entry")
	}
}

func TestQueueNextClearCurrentFlag(t *testing.T) {
	ts := newTestServer(t)

	req := authedRequest(t, ts.Server, http.MethodPost, "/api/queue/next?clear_current=true", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !ts.playback.gotClearWhenEmpty {
		t.Fatal("clear_current=true must forward to the dequeue")
	}
}

func TestQueueRemoveSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.removed = true

	req := authedRequest(t, ts.Server, http.MethodDelete, "/api/queue/remove/2", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ts.queue.removedIndex != 2 {
		t.Fatalf("expected index 2, got %d", ts.queue.removedIndex)
	}
}

func TestQueueRemoveMissingIndex(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.removed = false

	req := authedRequest(t, ts.Server, http.MethodDelete, "/api/queue/remove/99", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestQueueRemoveInvalidIndex(t *testing.T) {
	ts := newTestServer(t)

	req := authedRequest(t, ts.Server, http.MethodDelete, "/api/queue/remove/abc", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPlayerStatusServesSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.statusSnapshot = &store.PlayerStatus{Playing: true, CurrentFile: "song.mp3"}
	ts.player.statusErr = errors.New("should not be called")

	req := authedRequest(t, ts.Server, http.MethodGet, "/api/player/status", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ts.player.statusCalls != 0 {
		t.Fatalf("expected no live reads, got %d", ts.player.statusCalls)
	}
	if !strings.Contains(rr.Body.String(), `"playing":true`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestPlayerStatusFallsBackToLiveRead(t *testing.T) {
	ts := newTestServer(t)
	ts.player.status = store.PlayerStatus{Playing: false}

	req := authedRequest(t, ts.Server, http.MethodGet, "/api/player/status", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ts.player.statusCalls != 1 {
		t.Fatalf("expected one live read, got %d", ts.player.statusCalls)
	}
	if ts.queue.setSnapshotCalls != 1 {
		t.Fatalf("expected snapshot refresh, got %d", ts.queue.setSnapshotCalls)
	}
}

func TestPlayerStatusUnreachable(t *testing.T) {
	ts := newTestServer(t)
	ts.player.statusErr = errors.New("connection refused")

	req := authedRequest(t, ts.Server, http.MethodGet, "/api/player/status", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestPlayerStopUnreachable(t *testing.T) {
	ts := newTestServer(t)
	ts.player.stopErr = errors.New("connection refused")

	req := authedRequest(t, ts.Server, http.MethodPost, "/api/player/stop", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestCacheImageBySourceMiss(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/cache/images/netease/12345", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"miss"`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestCacheImageBySourceHit(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.lookup = &store.CacheEntry{ID: 7, SourceID: "12345", SourceType: "netease"}

	req := httptest.NewRequest(http.MethodGet, "/api/cache/images/netease/12345", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"hit"`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestTopSongsClampsLimit(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/songs/top?limit=5000&platform=qq", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ts.stats.lastLimit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", ts.stats.lastLimit)
	}
	if ts.stats.lastPlatform != "qq" {
		t.Fatalf("expected platform qq, got %q", ts.stats.lastPlatform)
	}
}

func TestTodayStatistics(t *testing.T) {
	ts := newTestServer(t)
	ts.stats.daily = store.DailyStats{Day: "2025-06-01", TotalPlays: 12, CacheHits: 4}

	req := httptest.NewRequest(http.MethodGet, "/api/statistics/today", nil)
	rr := httptest.NewRecorder()
	ts.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload store.DailyStats
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.TotalPlays != 12 || payload.CacheHits != 4 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}
