// Package player talks to the external single-stream audio renderer over
// its small HTTP control surface. The interface is best effort: an HTTP
// ack is the only delivery guarantee.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"jukebox/internal/store"
)

// statusTimeout keeps a hung player process from stalling queue progress;
// a timed-out status check is reported as an error, which callers treat
// as "unknown", never as "idle".
const statusTimeout = 3 * time.Second

// Client controls the external audio player.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a player client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: statusTimeout,
		},
	}
}

// Status fetches the player's current state. This always hits the player
// process; snapshot caching for dashboard reads happens in the store.
func (c *Client) Status(ctx context.Context) (store.PlayerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return store.PlayerStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return store.PlayerStatus{}, fmt.Errorf("player status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.PlayerStatus{}, fmt.Errorf("player status: unexpected status %d", resp.StatusCode)
	}

	var status store.PlayerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return store.PlayerStatus{}, fmt.Errorf("decode player status: %w", err)
	}
	status.Timestamp = time.Now().Unix()
	return status, nil
}

// Play instructs the player to start streaming url. The model hint carries
// the platform-specific decoding flag (currently only "qq"); sessionID
// correlates the attempt with the player's async completion signal.
func (c *Client) Play(ctx context.Context, playURL, model, sessionID string) error {
	params := url.Values{}
	params.Set("url", playURL)
	if model != "" {
		params.Set("model", model)
	}
	if sessionID != "" {
		params.Set("uuid", sessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/play?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build play request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("player play: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("player play: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stop", nil)
	if err != nil {
		return fmt.Errorf("build stop request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("player stop: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("player stop: unexpected status %d", resp.StatusCode)
	}
	return nil
}
