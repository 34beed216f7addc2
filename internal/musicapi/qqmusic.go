package musicapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// QQMusicClient resolves tracks through a QQMusicApi instance.
type QQMusicClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewQQMusicClient creates a QQ music resolver.
func NewQQMusicClient(baseURL string) *QQMusicClient {
	return &QQMusicClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Platform implements Resolver.
func (c *QQMusicClient) Platform() Platform { return PlatformQQ }

type qqSearchResponse struct {
	Result int `json:"result"`
	Data   struct {
		List []qqSong `json:"list"`
	} `json:"data"`
}

type qqSong struct {
	SongName    string `json:"songname"`
	SongMid     string `json:"songmid"`
	StrMediaMid string `json:"strMediaMid"`
	AlbumName   string `json:"albumname"`
	AlbumMid    string `json:"albummid"`
	Interval    int    `json:"interval"`
	Singer      []struct {
		Name string `json:"name"`
	} `json:"singer"`
	Size320  int64 `json:"size320"`
	Size128  int64 `json:"size128"`
	SizeM4a  int64 `json:"sizem4a"`
	SizeFlac int64 `json:"sizeflac"`
	SizeApe  int64 `json:"sizeape"`
}

type qqURLResponse struct {
	Result int    `json:"result"`
	Data   string `json:"data"`
}

// quality picks the best transfer type the song is published with.
func (s qqSong) quality() string {
	switch {
	case s.Size320 > 0:
		return "320"
	case s.Size128 > 0:
		return "128"
	case s.SizeM4a > 0:
		return "m4a"
	case s.SizeFlac > 0:
		return "flac"
	case s.SizeApe > 0:
		return "ape"
	default:
		return "unknown"
	}
}

// Resolve searches for the keyword, picks the top hit and fetches its
// stream URL at the detected quality.
func (c *QQMusicClient) Resolve(ctx context.Context, keyword string) (TrackInfo, error) {
	var search qqSearchResponse
	err := c.get(ctx, "/search", url.Values{
		"key":      {keyword},
		"pageNo":   {"1"},
		"pageSize": {"10"},
	}, &search)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("qq search: %w", err)
	}
	if search.Result != 100 || len(search.Data.List) == 0 {
		return TrackInfo{}, fmt.Errorf("qq search %q: %w", keyword, ErrNoResult)
	}
	song := search.Data.List[0]
	quality := song.quality()

	var stream qqURLResponse
	err = c.get(ctx, "/song/url", url.Values{
		"id":      {song.SongMid},
		"mediaId": {song.StrMediaMid},
		"type":    {quality},
	}, &stream)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("qq song url: %w", err)
	}
	if stream.Result != 100 || stream.Data == "" {
		return TrackInfo{}, fmt.Errorf("qq song url %s: %w", song.SongMid, ErrNoResult)
	}

	artist := ""
	if len(song.Singer) > 0 {
		artist = song.Singer[0].Name
	}

	return TrackInfo{
		Platform:     PlatformQQ,
		SourceID:     song.SongMid,
		Name:         song.SongName,
		Artist:       artist,
		Album:        song.AlbumName,
		DurationText: DurationText(song.Interval),
		CoverURL:     fmt.Sprintf("https://y.gtimg.cn/music/photo_new/T002R300x300M000%s.jpg?max_age=2592000", song.AlbumMid),
		PlayURL:      stream.Data,
		Quality:      quality,
	}, nil
}

func (c *QQMusicClient) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
