package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"scriptguard/internal/ports"
	"scriptguard/internal/services/scanner"
)

// Playwright renders pages in headless Chromium. The driver and browser must
// already be installed; see InstallPlaywright.
type Playwright struct {
	UserAgent      string
	DefaultTimeout time.Duration
}

var _ ports.Renderer = (*Playwright)(nil)

// InstallPlaywright downloads the driver and Chromium.
func InstallPlaywright() error {
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
		return fmt.Errorf("install playwright: %w", err)
	}
	return nil
}

// Open starts the driver, launches a browser and opens one page. When a later
// step fails the returned session owns whatever was already started.
func (p *Playwright) Open(ctx context.Context) (ports.RenderSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: start driver: %v", scanner.ErrAutomationUnavailable, err)
	}
	s := &pwSession{pw: pw, timeout: p.DefaultTimeout}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}

	s.browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(true)})
	if err != nil {
		return s, fmt.Errorf("%w: launch chromium: %v", scanner.ErrAutomationUnavailable, err)
	}
	opts := playwright.BrowserNewContextOptions{}
	if p.UserAgent != "" {
		opts.UserAgent = playwright.String(p.UserAgent)
	}
	s.bctx, err = s.browser.NewContext(opts)
	if err != nil {
		return s, fmt.Errorf("new browser context: %w", err)
	}
	s.page, err = s.bctx.NewPage()
	if err != nil {
		return s, fmt.Errorf("new page: %w", err)
	}
	return s, nil
}

type pwSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration

	once     sync.Once
	closeErr error
}

// budget converts the context deadline into a playwright timeout in ms.
func (s *pwSession) budget(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	if d <= 0 {
		return 0, context.DeadlineExceeded
	}
	return float64(d.Milliseconds()), nil
}

func (s *pwSession) Render(ctx context.Context, url string) (string, error) {
	if s.page == nil {
		return "", errors.New("render session not initialised")
	}
	ms, err := s.budget(ctx)
	if err != nil {
		return "", err
	}
	if _, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(ms),
	}); err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return "", fmt.Errorf("page.goto %s: %w: %w", url, context.DeadlineExceeded, err)
		}
		return "", fmt.Errorf("page.goto %s: %w", url, err)
	}
	return s.page.Content()
}

func (s *pwSession) Fetch(ctx context.Context, url string) ([]byte, error) {
	if s.bctx == nil {
		return nil, errors.New("render session not initialised")
	}
	ms, err := s.budget(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.bctx.Request().Get(url, playwright.APIRequestContextGetOptions{Timeout: playwright.Float(ms)})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("fetch %s: %w: %w", url, context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Dispose()
	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.Status())
	}
	return resp.Body()
}

// Close releases page, context, browser and driver in reverse order.
func (s *pwSession) Close() error {
	s.once.Do(func() {
		var errs []error
		if s.page != nil {
			errs = append(errs, s.page.Close())
		}
		if s.bctx != nil {
			errs = append(errs, s.bctx.Close())
		}
		if s.browser != nil {
			errs = append(errs, s.browser.Close())
		}
		if s.pw != nil {
			errs = append(errs, s.pw.Stop())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
