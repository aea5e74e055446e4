package imageapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mzyy94/stripview/internal/jpegcheck"
	"github.com/mzyy94/stripview/internal/memory"
	"github.com/mzyy94/stripview/internal/upload"
)

// ErrDownload covers remote failures: bad status, missing length, transport errors.
var ErrDownload = errors.New("download failed")

// ErrBadURL is returned for URLs the fetcher will not request.
var ErrBadURL = errors.New("invalid image URL")

// FetchInfo reports the most recent URL download.
type FetchInfo struct {
	Fetching  bool   `json:"fetching"`
	URL       string `json:"url,omitempty"`
	LastError string `json:"lastError,omitempty"`
	LastFetch string `json:"lastFetch,omitempty"` // RFC3339
	Bytes     int    `json:"bytes"`
}

// FetchStatus tracks the most recent URL download.
type FetchStatus struct {
	mu   sync.RWMutex
	info FetchInfo
}

// Snapshot returns a copy of the current status.
func (s *FetchStatus) Snapshot() FetchInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// SetFetching marks a download as in progress.
func (s *FetchStatus) SetFetching(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Fetching = true
	s.info.URL = rawURL
	s.info.LastError = ""
}

// SetResult records the outcome of a download and display attempt.
func (s *FetchStatus) SetResult(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Fetching = false
	s.info.LastFetch = time.Now().UTC().Format(time.RFC3339)
	s.info.Bytes = n
	s.info.LastError = ""
	if err != nil {
		s.info.LastError = err.Error()
	}
}

// CheckURL accepts absolute http and https URLs no longer than maxLen.
func CheckURL(raw string, maxLen int) error {
	if raw == "" {
		return fmt.Errorf("%w: missing url", ErrBadURL)
	}
	if len(raw) > maxLen {
		return fmt.Errorf("%w: longer than %d characters", ErrBadURL, maxLen)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBadURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return nil
}

// Fetcher downloads remote JPEGs into arbitrated buffers.
type Fetcher struct {
	client *http.Client
	res    upload.Reserver
}

// NewFetcher creates a Fetcher. A nil client uses http.DefaultClient.
func NewFetcher(client *http.Client, res upload.Reserver) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, res: res}
}

// Fetch downloads rawURL. The response must be 200 with a declared length
// of at most maxBytes; the caller owns the returned buffer.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxBytes int, timeout time.Duration) (*memory.Buffer, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	req.Header.Set("Accept", "image/jpeg")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrDownload, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length (chunked responses are not supported)", ErrDownload)
	}
	if resp.ContentLength == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrDownload)
	}
	if resp.ContentLength > int64(maxBytes) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", upload.ErrTooLarge, resp.ContentLength, maxBytes)
	}

	buf, err := f.res.TryReserve(int(resp.ContentLength), memory.PurposeDownload)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(resp.Body, buf.Bytes()); err != nil {
		buf.Release()
		return nil, fmt.Errorf("%w: %v", upload.ErrShortBody, err)
	}
	if err := jpegcheck.CheckMagic(buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}
