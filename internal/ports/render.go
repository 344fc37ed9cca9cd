package ports

import "context"

// Renderer opens browser automation sessions. Open may return a non-nil
// session together with an error when setup fails part way; the caller closes
// any non-nil session exactly once.
type Renderer interface {
	Open(ctx context.Context) (RenderSession, error)
}

// RenderSession navigates pages and fetches resources. One session is reused
// across all targets of a run and must be closed by the caller.
type RenderSession interface {
	// Render navigates to url and returns the rendered DOM serialized as HTML.
	Render(ctx context.Context, url string) (string, error)
	// Fetch retrieves the raw bytes of url. Non-2xx responses are errors.
	Fetch(ctx context.Context, url string) ([]byte, error)
	Close() error
}
