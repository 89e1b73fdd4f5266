// Package medialib resolves media identifiers against the external media
// library index. Callers route every resolver call through the
// "media_library" circuit breaker.
package medialib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/streamgate/streamgate/internal/version"
)

// ErrNotFound is returned when the library has no entry for the media ID.
var ErrNotFound = errors.New("media not found")

// MediaInfo describes a playable library item.
type MediaInfo struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	SourceURI string        `json:"source_uri"`
	Duration  time.Duration `json:"duration"`
	// Qualities lists the source's available encode bitrates in bits/sec.
	Qualities []int64 `json:"qualities,omitempty"`
}

// Resolver looks up media items by ID.
type Resolver interface {
	Resolve(ctx context.Context, mediaID string) (MediaInfo, error)
	Search(ctx context.Context, query string) ([]MediaInfo, error)
}

// HTTPResolver resolves media against a library index over HTTP.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPResolver creates a resolver for the library at baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// mediaItem is the library's wire format for a single item.
type mediaItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SourceURI   string  `json:"source_uri"`
	DurationSec float64 `json:"duration_sec"`
	Qualities   []int64 `json:"qualities"`
}

func (m mediaItem) toInfo() MediaInfo {
	return MediaInfo{
		ID:        m.ID,
		Title:     m.Title,
		SourceURI: m.SourceURI,
		Duration:  time.Duration(m.DurationSec * float64(time.Second)),
		Qualities: m.Qualities,
	}
}

// Resolve fetches the library entry for mediaID.
func (r *HTTPResolver) Resolve(ctx context.Context, mediaID string) (MediaInfo, error) {
	endpoint := fmt.Sprintf("%s/library/items/%s", r.baseURL, url.PathEscape(mediaID))

	var item mediaItem
	if err := r.getJSON(ctx, endpoint, &item); err != nil {
		return MediaInfo{}, err
	}

	r.logger.Debug("resolved media",
		slog.String("media_id", mediaID),
		slog.String("source_uri", item.SourceURI))
	return item.toInfo(), nil
}

// Search queries the library index.
func (r *HTTPResolver) Search(ctx context.Context, query string) ([]MediaInfo, error) {
	endpoint := fmt.Sprintf("%s/library/search?q=%s", r.baseURL, url.QueryEscape(query))

	var items struct {
		Items []mediaItem `json:"items"`
	}
	if err := r.getJSON(ctx, endpoint, &items); err != nil {
		return nil, err
	}

	infos := make([]MediaInfo, 0, len(items.Items))
	for _, item := range items.Items {
		infos = append(infos, item.toInfo())
	}
	return infos, nil
}

func (r *HTTPResolver) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("media library request: %w", err)
	}
	defer resp.Body.Close()

	r.logger.Debug("media library request",
		slog.String("url", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("media library returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding media library response: %w", err)
	}
	return nil
}

var _ Resolver = (*HTTPResolver)(nil)
