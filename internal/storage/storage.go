package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFetchSize = 32 << 20 // 32 MB

// Client fetches uploaded files from object storage. Objects live under a
// predictable URL template keyed by the storage key reported by the
// upload-completion webhook.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxSize    int64
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxSize:    maxFetchSize,
	}
}

// Fetch downloads the object for the given storage key.
func (c *Client) Fetch(ctx context.Context, storageKey string) ([]byte, error) {
	storageKey = strings.TrimSpace(storageKey)
	if storageKey == "" {
		return nil, fmt.Errorf("storage key is empty")
	}

	url := c.baseURL + "/" + storageKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build storage request failed: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("storage fetch status %d for key %s", resp.StatusCode, storageKey)
	}

	// Read one byte past the cap so truncation is detected instead of
	// handing a silently clipped object to the PDF parser.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read storage object failed: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("object %s exceeds %d byte limit", storageKey, c.maxSize)
	}
	return data, nil
}
