package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhengshuai-xiao/binsync/internal"
)

// HTTPBackend reads a published tree from any static file server that
// honours Range requests. It is read-only.
type HTTPBackend struct {
	base   string
	client *http.Client
}

func NewHTTP(conf internal.BackendConfig) (*HTTPBackend, error) {
	if !strings.HasPrefix(conf.Endpoint, "http://") && !strings.HasPrefix(conf.Endpoint, "https://") {
		return nil, fmt.Errorf("%w: http backend endpoint must be an http(s) URL, got %q", internal.ErrInvalidConfig, conf.Endpoint)
	}
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		base:   strings.TrimSuffix(conf.Endpoint, "/") + "/",
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPBackend) Name() string {
	return "http"
}

func (h *HTTPBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return ErrReadOnly
}

func (h *HTTPBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnly
}

func (h *HTTPBackend) do(ctx context.Context, key string, rng string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+key, nil)
	if err != nil {
		return nil, err
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", key, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s range %s", ErrNotFound, key, rng)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", key, resp.Status)
	}
	return resp, nil
}

func (h *HTTPBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := h.do(ctx, key, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (h *HTTPBackend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := checkRange(key, offset, length); err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, key, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body := io.Reader(resp.Body)
	// A server that ignores Range sends the whole object.
	if resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			return nil, fmt.Errorf("%w: %s is shorter than offset %d", ErrNotFound, key, offset)
		}
	}
	return readExactly(body, key, length)
}
