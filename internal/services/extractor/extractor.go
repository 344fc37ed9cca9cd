package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/publicsuffix"

	"scriptguard/internal/domain"
	"scriptguard/internal/fingerprint"
	"scriptguard/internal/ports"
)

// ErrNoTargets is returned when a site has no monitored URLs to visit.
var ErrNoTargets = errors.New("no monitored URLs")

// NavigationError reports a failure to load a target page.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RawScript is a <script> element as found in a document.
type RawScript struct {
	Src       string // resolved absolute URL, empty for inline scripts
	Integrity *string
	Text      string
}

type Extractor struct {
	navTimeout   time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
}

func New(navTimeout, fetchTimeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{navTimeout: navTimeout, fetchTimeout: fetchTimeout, logger: logger}
}

// Targets selects the URLs a run visits: the first one for quick runs, all of
// them in registered order for full runs.
func Targets(mode domain.RunMode, urls []domain.MonitoredURL) ([]string, error) {
	var out []string
	for _, u := range urls {
		if s := strings.TrimSpace(u.URL); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoTargets
	}
	if mode == domain.ModeQuick {
		return out[:1], nil
	}
	return out, nil
}

// Extract renders target and returns one observation per script in document
// order. External scripts are fetched for hashing; a failed fetch leaves the
// content hash and size nil instead of failing the extraction.
func (e *Extractor) Extract(ctx context.Context, session ports.RenderSession, target string) ([]domain.Observation, error) {
	base, err := url.Parse(target)
	if err != nil {
		return nil, &NavigationError{URL: target, Err: err}
	}

	doc, err := e.render(ctx, session, target)
	if err != nil {
		return nil, &NavigationError{URL: target, Err: err}
	}

	scripts, err := ParseScripts(doc, base)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target, err)
	}

	obs := make([]domain.Observation, 0, len(scripts))
	for _, s := range scripts {
		if s.Src == "" {
			hash, size, ok := fingerprint.Inline(s.Text)
			if !ok {
				continue
			}
			obs = append(obs, domain.Observation{
				PageURL:     target,
				InlineHash:  domain.Ptr(hash),
				Integrity:   s.Integrity,
				ContentHash: domain.Ptr(hash),
				SizeBytes:   domain.Ptr(size),
			})
			continue
		}

		o := domain.Observation{
			PageURL:    target,
			Src:        domain.Ptr(s.Src),
			Integrity:  s.Integrity,
			ThirdParty: thirdParty(base, s.Src),
		}
		body, err := e.fetch(ctx, session, s.Src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("script fetch failed", "page", target, "src", s.Src, "error", err)
		} else {
			o.ContentHash = domain.Ptr(fingerprint.Sum(body))
			o.SizeBytes = domain.Ptr(int64(len(body)))
		}
		obs = append(obs, o)
	}
	return obs, nil
}

func (e *Extractor) render(ctx context.Context, session ports.RenderSession, target string) (string, error) {
	if e.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.navTimeout)
		defer cancel()
	}
	return session.Render(ctx, target)
}

func (e *Extractor) fetch(ctx context.Context, session ports.RenderSession, src string) ([]byte, error) {
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}
	return session.Fetch(ctx, src)
}

// ParseScripts walks doc and returns its script elements in document order
// with src attributes resolved against base. Elements whose src cannot be
// parsed as a URL are dropped.
func ParseScripts(doc string, base *url.URL) ([]RawScript, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}
	var out []RawScript
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			if s, ok := scriptOf(n, base); ok {
				out = append(out, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

func scriptOf(n *html.Node, base *url.URL) (RawScript, bool) {
	var s RawScript
	var src string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "src":
			src = strings.TrimSpace(a.Val)
		case "integrity":
			s.Integrity = domain.Ptr(a.Val)
		}
	}
	if src != "" {
		ref, err := url.Parse(src)
		if err != nil {
			return s, false
		}
		s.Src = base.ResolveReference(ref).String()
		return s, true
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	s.Text = b.String()
	return s, true
}

func thirdParty(page *url.URL, src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	return registrable(u.Hostname()) != registrable(page.Hostname())
}

func registrable(host string) string {
	host = strings.ToLower(host)
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}
