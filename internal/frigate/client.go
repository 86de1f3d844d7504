// Package frigate is a minimal client for the Frigate NVR HTTP API: clip
// download and thumbnail fetch for one detection event.
package frigate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Default timeouts. Clips can be tens of megabytes on a slow LAN; thumbnails
// are a few kilobytes.
const (
	DefaultClipTimeout      = 60 * time.Second
	DefaultThumbnailTimeout = 10 * time.Second
)

// FetchError describes a failed clip or thumbnail request.
type FetchError struct {
	EventID    string
	URL        string
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("frigate returned status %d for event %s", e.StatusCode, e.EventID)
	}
	return fmt.Sprintf("frigate request for event %s failed: %v", e.EventID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Clip is a downloaded video clip. It is owned exclusively by the analysis
// task that fetched it and must be removed when the task ends.
type Clip struct {
	EventID   string
	Path      string
	SizeBytes int64
}

// Remove deletes the clip file. Safe to call more than once.
func (c *Clip) Remove() {
	if c == nil || c.Path == "" {
		return
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", c.Path).Msg("Failed to remove clip file")
		return
	}
	c.Path = ""
}

// Client talks to one Frigate instance.
type Client struct {
	baseURL string
	apiKey  string
	clips   *http.Client
	thumbs  *http.Client
}

// NewClient creates a client for the Frigate API at baseURL. apiKey is
// optional; when set it is sent as a bearer token.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		clips:   &http.Client{Timeout: DefaultClipTimeout},
		thumbs:  &http.Client{Timeout: DefaultThumbnailTimeout},
	}
}

// FetchClip downloads the event's clip to a temporary file and returns it.
// The caller owns the file and must call Clip.Remove when done.
func (c *Client) FetchClip(ctx context.Context, eventID string) (*Clip, error) {
	url := fmt.Sprintf("%s/api/events/%s/clip.mp4", c.baseURL, eventID)

	resp, err := c.get(ctx, c.clips, url)
	if err != nil {
		return nil, &FetchError{EventID: eventID, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{EventID: eventID, URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp("", "frigate-clip-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("create clip temp file: %w", err)
	}

	n, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, &FetchError{EventID: eventID, URL: url, Err: err}
	}

	log.Info().
		Str("event_id", eventID).
		Int64("size_bytes", n).
		Str("path", tmp.Name()).
		Msg("Clip downloaded")

	return &Clip{EventID: eventID, Path: tmp.Name(), SizeBytes: n}, nil
}

// FetchThumbnail returns the event's JPEG thumbnail. Used by the dashboard
// proxy; it shares the clip fetcher's failure path.
func (c *Client) FetchThumbnail(ctx context.Context, eventID string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/events/%s/thumbnail.jpg", c.baseURL, eventID)

	resp, err := c.get(ctx, c.thumbs, url)
	if err != nil {
		return nil, &FetchError{EventID: eventID, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{EventID: eventID, URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{EventID: eventID, URL: url, Err: err}
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, hc *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return hc.Do(req)
}
