// Package musicapi resolves chat keywords into playable tracks through
// the configured upstream music providers.
package musicapi

import (
	"context"
	"errors"
	"fmt"
)

// Platform identifies a music provider.
type Platform string

const (
	PlatformNetease  Platform = "netease"
	PlatformQQ       Platform = "qq"
	PlatformBilibili Platform = "bilibili"
)

// ErrNoResult indicates the provider returned nothing for the keyword.
var ErrNoResult = errors.New("no result for keyword")

// TrackInfo is the provider-independent shape of a resolved track.
type TrackInfo struct {
	Platform     Platform `json:"platform"`
	SourceID     string   `json:"source_id"`
	Name         string   `json:"name"`
	Artist       string   `json:"artist"`
	Album        string   `json:"album"`
	DurationText string   `json:"duration_text"`
	CoverURL     string   `json:"cover_url"`
	PlayURL      string   `json:"play_url"`

	// Quality is only populated by providers that expose it (QQ); the
	// player needs it as a decoding hint.
	Quality string `json:"quality,omitempty"`
}

// Resolver turns a search keyword (or source id, for bilibili) into a
// playable track.
type Resolver interface {
	Platform() Platform
	Resolve(ctx context.Context, keyword string) (TrackInfo, error)
}

// DurationText renders a track length the way providers report it.
func DurationText(seconds int) string {
	return fmt.Sprintf("%d 分 %d 秒", seconds/60, seconds%60)
}
