package musicapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BilibiliClient resolves bilibili videos through the bundled extraction
// service. The keyword is a bvid, not a free-text search.
type BilibiliClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBilibiliClient creates a bilibili resolver.
func NewBilibiliClient(baseURL string) *BilibiliClient {
	return &BilibiliClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Platform implements Resolver.
func (c *BilibiliClient) Platform() Platform { return PlatformBilibili }

type bilibiliDetailResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Text       string `json:"text"`
		PreviewURL string `json:"preview_url"`
	} `json:"data"`
}

// Resolve fetches the video title and cover for the bvid. The play URL is
// the extraction service's streaming endpoint itself, so it never expires.
func (c *BilibiliClient) Resolve(ctx context.Context, bvid string) (TrackInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/b2mp3/detail/"+bvid, nil)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("bilibili detail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TrackInfo{}, fmt.Errorf("bilibili detail: unexpected status %d", resp.StatusCode)
	}

	var detail bilibiliDetailResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return TrackInfo{}, fmt.Errorf("decode bilibili detail: %w", err)
	}
	if detail.Status != "success" {
		return TrackInfo{}, fmt.Errorf("bilibili detail %s (%s): %w", bvid, detail.Message, ErrNoResult)
	}

	return TrackInfo{
		Platform: PlatformBilibili,
		SourceID: bvid,
		Name:     detail.Data.Text,
		CoverURL: detail.Data.PreviewURL,
		PlayURL:  fmt.Sprintf("%s/b2mp3/%s", c.baseURL, bvid),
	}, nil
}
