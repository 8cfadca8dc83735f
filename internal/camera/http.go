package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxSnapshotSize bounds the body read from a camera
const maxSnapshotSize = 32 << 20

// HTTPSource downloads a snapshot from a security camera's still-image URL
type HTTPSource struct {
	url      string
	username string
	password string
	client   *http.Client
	maxSize  int64
}

// NewHTTPSource creates a snapshot source. Credentials are sent with basic
// auth when username is set.
func NewHTTPSource(url, username, password string) *HTTPSource {
	return &HTTPSource{
		url:      url,
		username: username,
		password: password,
		client:   &http.Client{},
		maxSize:  maxSnapshotSize,
	}
}

func (s *HTTPSource) Name() string { return KindHTTP }

// Capture fetches one image. The request is bounded by ctx.
func (s *HTTPSource) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", s.maxSize)
	}
	return data, nil
}
