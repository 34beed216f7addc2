package musicapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NeteaseClient resolves tracks through a NeteaseCloudMusicApi instance.
type NeteaseClient struct {
	baseURL    string
	cookie     string
	httpClient *http.Client
}

// NewNeteaseClient creates a netease resolver.
func NewNeteaseClient(baseURL, cookie string) *NeteaseClient {
	return &NeteaseClient{
		baseURL: baseURL,
		cookie:  cookie,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Platform implements Resolver.
func (c *NeteaseClient) Platform() Platform { return PlatformNetease }

type neteaseSearchResponse struct {
	Result struct {
		Songs []struct {
			ID int64 `json:"id"`
		} `json:"songs"`
	} `json:"result"`
}

type neteaseDetailResponse struct {
	Songs []struct {
		Name    string `json:"name"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"ar"`
		Album struct {
			Name   string `json:"name"`
			PicURL string `json:"picUrl"`
		} `json:"al"`
	} `json:"songs"`
}

type neteaseURLResponse struct {
	Data []struct {
		URL  string `json:"url"`
		Time int    `json:"time"` // milliseconds
	} `json:"data"`
}

// Resolve searches for the keyword and chains the detail and stream-url
// lookups into one TrackInfo.
func (c *NeteaseClient) Resolve(ctx context.Context, keyword string) (TrackInfo, error) {
	var search neteaseSearchResponse
	if err := c.get(ctx, "/search", url.Values{"keywords": {keyword}, "limit": {"10"}}, &search); err != nil {
		return TrackInfo{}, fmt.Errorf("netease search: %w", err)
	}
	if len(search.Result.Songs) == 0 {
		return TrackInfo{}, fmt.Errorf("netease search %q: %w", keyword, ErrNoResult)
	}
	id := strconv.FormatInt(search.Result.Songs[0].ID, 10)

	var detail neteaseDetailResponse
	if err := c.get(ctx, "/song/detail", url.Values{"ids": {id}}, &detail); err != nil {
		return TrackInfo{}, fmt.Errorf("netease detail: %w", err)
	}
	if len(detail.Songs) == 0 {
		return TrackInfo{}, fmt.Errorf("netease detail %s: %w", id, ErrNoResult)
	}
	song := detail.Songs[0]

	var stream neteaseURLResponse
	if err := c.get(ctx, "/song/url", url.Values{"id": {id}}, &stream); err != nil {
		return TrackInfo{}, fmt.Errorf("netease song url: %w", err)
	}
	if len(stream.Data) == 0 || stream.Data[0].URL == "" {
		return TrackInfo{}, fmt.Errorf("netease song url %s: %w", id, ErrNoResult)
	}

	artists := make([]string, 0, len(song.Artists))
	for _, a := range song.Artists {
		artists = append(artists, a.Name)
	}

	return TrackInfo{
		Platform:     PlatformNetease,
		SourceID:     id,
		Name:         song.Name,
		Artist:       strings.Join(artists, ", "),
		Album:        song.Album.Name,
		DurationText: DurationText(stream.Data[0].Time / 1000),
		CoverURL:     song.Album.PicURL,
		PlayURL:      stream.Data[0].URL,
	}, nil
}

func (c *NeteaseClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.cookie != "" {
		params.Set("cookie", c.cookie)
	}
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
