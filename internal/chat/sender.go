package chat

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"jukebox/internal/store"
)

const (
	sendMessagePath  = "/im/session/v1/sendGimMessage"
	signedUploadPath = "/rtc/v1/cos/v1/signedUploadUrl"
)

// Sender posts signed messages and image uploads to the chat gateway.
type Sender struct {
	cfg        Config
	signer     *signer
	httpClient *http.Client
}

func NewSender(cfg Config) (*Sender, error) {
	s, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	return &Sender{
		cfg:        cfg,
		signer:     s,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type outgoingMessage struct {
	Area               string             `json:"area"`
	Channel            string             `json:"channel"`
	Target             string             `json:"target"`
	ClientMessageID    string             `json:"clientMessageId"`
	Timestamp          int64              `json:"timestamp"`
	IsMentionAll       bool               `json:"isMentionAll"`
	MentionList        []string           `json:"mentionList"`
	StyleTags          []string           `json:"styleTags"`
	ReferenceMessageID *string            `json:"referenceMessageId"`
	Animated           bool               `json:"animated"`
	DisplayName        string             `json:"displayName"`
	Duration           int                `json:"duration"`
	Text               string             `json:"text"`
	Attachments        []store.Attachment `json:"attachments"`
}

// SendMessage posts text to a channel. An empty channel falls back to the
// configured default. Attachments may be nil.
func (s *Sender) SendMessage(ctx context.Context, channel, text string, attachments []store.Attachment) error {
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}
	if attachments == nil {
		attachments = []store.Attachment{}
	}

	msg := outgoingMessage{
		Area:            s.cfg.DefaultArea,
		Channel:         channel,
		ClientMessageID: clientMessageID(),
		Timestamp:       time.Now().UnixMilli(),
		MentionList:     []string{},
		StyleTags:       []string{},
		Text:            text,
		Attachments:     attachments,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPost, sendMessagePath, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// AnnounceTrack sends a formatted track card to a channel. headline, when
// non-empty, is placed above the track details. The cover attachment, if the
// entry carries one, is rendered through the gateway's inline image syntax.
func (s *Sender) AnnounceTrack(ctx context.Context, channel, headline string, entry store.QueueEntry) error {
	text := FormatTrack(entry)
	if headline != "" {
		text = headline + "\n" + text
	}
	if len(entry.Attachments) > 0 {
		att := entry.Attachments[0]
		text = fmt.Sprintf("![IMAGEw%dh%d](%s)\n", att.Width, att.Height, att.FileKey) + text
	}
	return s.SendMessage(ctx, channel, text, entry.Attachments)
}

// FormatTrack renders the per-platform track card body.
func FormatTrack(entry store.QueueEntry) string {
	var b strings.Builder
	switch entry.Platform {
	case "netease":
		fmt.Fprintf(&b, "来自于网易云:\n🎵 歌曲: %s\n🎤 歌手: %s\n💽 专辑: %s\n⏱ 时长: %s",
			entry.Name, entry.Artist, entry.Album, entry.Duration)
	case "qq":
		fmt.Fprintf(&b, "来自于QQ音乐:\n🎵 歌曲: %s\n🎤 歌手: %s\n💽 专辑: %s\n⏱ 时长: %s\n🎧 音质: %s",
			entry.Name, entry.Artist, entry.Album, entry.Duration, entry.Quality)
	case "bilibili":
		fmt.Fprintf(&b, "来自于B站:\n🎵 标题: %s\n📺 视频链接: https://www.bilibili.com/video/%s\n🎧 音质: 标准",
			entry.Name, entry.SourceID)
	default:
		fmt.Fprintf(&b, "🎵 %s - %s", entry.Name, entry.Artist)
	}
	return b.String()
}

type signedUploadResponse struct {
	Data struct {
		SignedURL string `json:"signedUrl"`
		File      string `json:"file"`
		URL       string `json:"url"`
	} `json:"data"`
}

// UploadImageFromURL downloads an image, uploads it through the gateway's
// signed-URL flow and returns the resulting attachment. The image never
// touches disk.
func (s *Sender) UploadImageFromURL(ctx context.Context, imageURL string) (*store.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}
	imageBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	width, height, ext := sniffImage(imageBytes)
	sum := md5.Sum(imageBytes)

	slot, err := s.requestUploadSlot(ctx, ext)
	if err != nil {
		return nil, err
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.Data.SignedURL, bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putResp, err := s.httpClient.Do(putReq)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	defer putResp.Body.Close()
	_, _ = io.Copy(io.Discard, putResp.Body)
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload image: unexpected status %d", putResp.StatusCode)
	}

	return &store.Attachment{
		FileKey:        slot.Data.File,
		URL:            slot.Data.URL,
		Width:          width,
		Height:         height,
		FileSize:       int64(len(imageBytes)),
		Hash:           hex.EncodeToString(sum[:]),
		AttachmentType: "IMAGE",
	}, nil
}

func (s *Sender) requestUploadSlot(ctx context.Context, ext string) (*signedUploadResponse, error) {
	body, err := json.Marshal(map[string]string{"type": "IMAGE", "ext": ext})
	if err != nil {
		return nil, fmt.Errorf("marshal upload request: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPut, signedUploadPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request upload url: unexpected status %d", resp.StatusCode)
	}

	var slot signedUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return nil, fmt.Errorf("decode upload url response: %w", err)
	}
	if slot.Data.SignedURL == "" || slot.Data.File == "" {
		return nil, fmt.Errorf("request upload url: incomplete response")
	}
	return &slot, nil
}

// sniffImage reports dimensions and extension for the gateway upload
// request. Formats the stdlib cannot decode, webp in particular, still
// upload fine with zero dimensions.
func sniffImage(data []byte) (width, height int, ext string) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, ".webp"
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return cfg.Width, cfg.Height, "." + format
}

func (s *Sender) do(ctx context.Context, method, urlPath string, body []byte) (*http.Response, error) {
	headers, err := s.signer.headers(urlPath, string(body))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+urlPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	return resp, nil
}
