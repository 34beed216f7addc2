package requests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jukebox/internal/musicapi"
	"jukebox/internal/store"
)

type fakeQueue struct {
	position int
	enqueued []store.QueueEntry
	current  *store.QueueEntry
}

func (q *fakeQueue) Enqueue(ctx context.Context, entry store.QueueEntry) (int, error) {
	q.enqueued = append(q.enqueued, entry)
	return q.position, nil
}

func (q *fakeQueue) Current(ctx context.Context) (*store.QueueEntry, error) {
	return q.current, nil
}

type fakeArtwork struct {
	cached    *store.CacheEntry
	lookupErr error
	storedID  int64
	stored    []store.Attachment
}

func (a *fakeArtwork) LookupArtwork(ctx context.Context, sourceID, sourceType string) (*store.CacheEntry, error) {
	if a.lookupErr != nil {
		return nil, a.lookupErr
	}
	return a.cached, nil
}

func (a *fakeArtwork) StoreArtwork(ctx context.Context, sourceID, sourceType, sourceURL string, att store.Attachment) (int64, error) {
	a.stored = append(a.stored, att)
	return a.storedID, nil
}

type fakeStats struct {
	resolved     []store.QueueEntry
	imageCacheID *int64
	cacheEvents  []bool
}

func (s *fakeStats) RecordResolved(ctx context.Context, entry store.QueueEntry, imageCacheID *int64) (int64, error) {
	s.resolved = append(s.resolved, entry)
	s.imageCacheID = imageCacheID
	return 1, nil
}

func (s *fakeStats) RecordDailyCacheEvent(ctx context.Context, day time.Time, hit bool) error {
	s.cacheEvents = append(s.cacheEvents, hit)
	return nil
}

type fakeUploader struct {
	att  *store.Attachment
	err  error
	urls []string
}

func (u *fakeUploader) UploadImageFromURL(ctx context.Context, imageURL string) (*store.Attachment, error) {
	u.urls = append(u.urls, imageURL)
	if u.err != nil {
		return nil, u.err
	}
	return u.att, nil
}

type fakePlayer struct {
	status    store.PlayerStatus
	statusErr error
}

func (p *fakePlayer) Status(ctx context.Context) (store.PlayerStatus, error) {
	if p.statusErr != nil {
		return store.PlayerStatus{}, p.statusErr
	}
	return p.status, nil
}

type fakeStarter struct {
	entry *store.QueueEntry
	err   error
	calls int
}

func (s *fakeStarter) StartNext(ctx context.Context, clearWhenEmpty, announce bool) (*store.QueueEntry, error) {
	s.calls++
	return s.entry, s.err
}

func resolvedTrack() musicapi.TrackInfo {
	return musicapi.TrackInfo{
		Platform:     musicapi.PlatformNetease,
		SourceID:     "n1",
		Name:         "Song",
		Artist:       "Artist",
		Album:        "Album",
		DurationText: "3 分 14 秒",
		CoverURL:     "http://cover/n1",
		PlayURL:      "http://play/n1",
	}
}

func newTestService(q *fakeQueue, a *fakeArtwork, s *fakeStats, u *fakeUploader, p *fakePlayer, st *fakeStarter) *Service {
	return NewService(q, a, s, u, p, st, zerolog.Nop())
}

func TestSubmitRejectsUnplayableTrack(t *testing.T) {
	svc := newTestService(&fakeQueue{}, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{}, &fakeStarter{})

	info := resolvedTrack()
	info.PlayURL = ""
	_, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.ErrorIs(t, err, ErrUnplayable)
}

func TestSubmitCacheHitSkipsUpload(t *testing.T) {
	cached := &store.CacheEntry{
		ID:         5,
		Attachment: store.Attachment{FileKey: "/im/key.webp", Width: 300, Height: 300},
	}
	q := &fakeQueue{position: 1}
	art := &fakeArtwork{cached: cached}
	stats := &fakeStats{}
	up := &fakeUploader{}
	svc := newTestService(q, art, stats, up, &fakePlayer{status: store.PlayerStatus{Playing: true}}, &fakeStarter{})

	result, err := svc.Submit(context.Background(), resolvedTrack(), "chan-1", "user-1")
	require.NoError(t, err)

	assert.Empty(t, up.urls)
	assert.Equal(t, []bool{true}, stats.cacheEvents)
	require.NotNil(t, stats.imageCacheID)
	assert.Equal(t, int64(5), *stats.imageCacheID)

	require.Len(t, q.enqueued, 1)
	require.Len(t, q.enqueued[0].Attachments, 1)
	assert.Equal(t, "/im/key.webp", q.enqueued[0].Attachments[0].FileKey)
	assert.False(t, result.Started)
}

func TestSubmitCacheMissUploadsAndStores(t *testing.T) {
	att := &store.Attachment{FileKey: "/im/new.webp"}
	q := &fakeQueue{position: 1}
	art := &fakeArtwork{storedID: 9}
	stats := &fakeStats{}
	up := &fakeUploader{att: att}
	svc := newTestService(q, art, stats, up, &fakePlayer{status: store.PlayerStatus{Playing: true}}, &fakeStarter{})

	_, err := svc.Submit(context.Background(), resolvedTrack(), "chan-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"http://cover/n1"}, up.urls)
	require.Len(t, art.stored, 1)
	assert.Equal(t, []bool{false}, stats.cacheEvents)
	require.NotNil(t, stats.imageCacheID)
	assert.Equal(t, int64(9), *stats.imageCacheID)
}

func TestSubmitArtworkFailureIsNotFatal(t *testing.T) {
	q := &fakeQueue{position: 0, current: &store.QueueEntry{}}
	art := &fakeArtwork{}
	up := &fakeUploader{err: errors.New("upload failed")}
	svc := newTestService(q, art, &fakeStats{}, up, &fakePlayer{status: store.PlayerStatus{Playing: true}}, &fakeStarter{})

	result, err := svc.Submit(context.Background(), resolvedTrack(), "chan-1", "user-1")
	require.NoError(t, err)

	require.Len(t, q.enqueued, 1)
	assert.Empty(t, q.enqueued[0].Attachments)
	assert.Equal(t, 1, result.Position)
}

func TestSubmitImmediateStartWhenIdleAtHead(t *testing.T) {
	started := &store.QueueEntry{SourceID: "n1", PlaySessionID: "session-1"}
	q := &fakeQueue{position: 0}
	starter := &fakeStarter{entry: started}
	svc := newTestService(q, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{}, starter)

	info := resolvedTrack()
	info.CoverURL = ""
	result, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, starter.calls)
	assert.True(t, result.Started)
	assert.Equal(t, "session-1", result.Entry.PlaySessionID)
}

func TestSubmitNoImmediateStartWhenPlaying(t *testing.T) {
	q := &fakeQueue{position: 0}
	starter := &fakeStarter{}
	svc := newTestService(q, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{status: store.PlayerStatus{Playing: true}}, starter)

	info := resolvedTrack()
	info.CoverURL = ""
	result, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	assert.Zero(t, starter.calls)
	assert.False(t, result.Started)
	assert.Equal(t, 0, result.Position)
}

func TestSubmitNoImmediateStartWhenCurrentSet(t *testing.T) {
	q := &fakeQueue{position: 0, current: &store.QueueEntry{SourceID: "other"}}
	starter := &fakeStarter{}
	svc := newTestService(q, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{}, starter)

	info := resolvedTrack()
	info.CoverURL = ""
	result, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	assert.Zero(t, starter.calls)
	assert.False(t, result.Started)
	// the head reads as position 1 while another track occupies current
	assert.Equal(t, 1, result.Position)
}

func TestSubmitPlayerUnreachableLeavesStartToLoop(t *testing.T) {
	q := &fakeQueue{position: 0}
	starter := &fakeStarter{}
	svc := newTestService(q, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{statusErr: errors.New("timeout")}, starter)

	info := resolvedTrack()
	info.CoverURL = ""
	result, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	assert.Zero(t, starter.calls)
	assert.False(t, result.Started)
}

func TestSubmitQueuedBehindCurrentReportsOffsetPosition(t *testing.T) {
	q := &fakeQueue{position: 2, current: &store.QueueEntry{SourceID: "playing"}}
	svc := newTestService(q, &fakeArtwork{}, &fakeStats{}, &fakeUploader{}, &fakePlayer{status: store.PlayerStatus{Playing: true}}, &fakeStarter{})

	info := resolvedTrack()
	info.CoverURL = ""
	result, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Position)
}

func TestSubmitRecordsIntentBeforeEnqueue(t *testing.T) {
	q := &fakeQueue{position: 1}
	stats := &fakeStats{}
	svc := newTestService(q, &fakeArtwork{}, stats, &fakeUploader{}, &fakePlayer{status: store.PlayerStatus{Playing: true}}, &fakeStarter{})

	info := resolvedTrack()
	info.CoverURL = ""
	_, err := svc.Submit(context.Background(), info, "chan-1", "user-1")
	require.NoError(t, err)

	require.Len(t, stats.resolved, 1)
	assert.Equal(t, "n1", stats.resolved[0].SourceID)
	assert.Nil(t, stats.imageCacheID)
}
