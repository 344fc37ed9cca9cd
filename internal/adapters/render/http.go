package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"scriptguard/internal/ports"
)

var maxBody = 16 << 20

// ErrBodyTooLarge is returned for responses longer than maxBody.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// HTTP fetches documents without executing them. Scripts injected at runtime
// are invisible to it; it serves hosts without a browser and tests.
type HTTP struct {
	Client    *http.Client
	UserAgent string
}

var _ ports.Renderer = (*HTTP)(nil)

func NewHTTP(userAgent string, timeout time.Duration) *HTTP {
	return &HTTP{Client: &http.Client{Timeout: timeout}, UserAgent: userAgent}
}

func (h *HTTP) Open(ctx context.Context) (ports.RenderSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := h.Client
	if c == nil {
		c = http.DefaultClient
	}
	return &httpSession{client: c, userAgent: h.UserAgent}, nil
}

type httpSession struct {
	client    *http.Client
	userAgent string
}

func (s *httpSession) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBody)+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("get %s: %w", url, ErrBodyTooLarge)
	}
	return body, nil
}

func (s *httpSession) Render(ctx context.Context, url string) (string, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (s *httpSession) Fetch(ctx context.Context, url string) ([]byte, error) {
	return s.get(ctx, url)
}

func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
