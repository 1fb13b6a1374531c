// CLAUDE:SUMMARY HTTP page fetcher with SSRF-checked redirects, size cap, and optional browser render for thin pages.
package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/connectivity"
	"github.com/hazyhaar/harvest/horosafe"
)

// Page is a fetched body.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Rendered    bool
}

// IsPDF reports whether the page is a PDF document.
func (p *Page) IsPDF() bool {
	return p.ContentType == "application/pdf" ||
		(len(p.Body) > 4 && string(p.Body[:5]) == "%PDF-")
}

// Renderer loads a page in a browser and returns the rendered HTML.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// FetchConfig configures the fetcher.
type FetchConfig struct {
	// Timeout per request. Default: 20s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxBytes caps a body; longer bodies are cut. Default: 5MB.
	MaxBytes int64 `yaml:"max_bytes"`
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent"`
	// AllowPrivate permits loopback and private targets.
	AllowPrivate bool `yaml:"allow_private"`
}

func (c *FetchConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; harvest/1.0)"
	}
}

// Fetcher performs GETs under an SSRF policy. When a Renderer is set, HTML
// pages with too little visible text are loaded again through it.
type Fetcher struct {
	client   *http.Client
	cfg      FetchConfig
	policy   horosafe.URLPolicy
	renderer Renderer
	logger   *slog.Logger
}

// NewFetcher builds a fetcher. renderer may be nil.
func NewFetcher(cfg FetchConfig, renderer Renderer, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	policy := horosafe.URLPolicy{AllowPrivate: cfg.AllowPrivate}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := policy.Check(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		cfg:      cfg,
		policy:   policy,
		renderer: renderer,
		logger:   logger,
	}
}

// Fetch retrieves rawURL. Non-2xx answers are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := f.policy.Check(rawURL); err != nil {
		return nil, fmt.Errorf("content: fetch %s: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("content: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content: get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("content: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &connectivity.StatusError{Code: resp.StatusCode, Body: string(body[:min(len(body), 200)])}
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	page := &Page{URL: rawURL, StatusCode: resp.StatusCode, ContentType: ct, Body: body}

	if f.renderer != nil && !page.IsPDF() && !Sufficient(body) {
		rendered, err := f.renderer.Render(ctx, rawURL)
		if err != nil {
			f.logger.Debug("content: render failed, keeping raw body", "url", rawURL, "error", err)
		} else {
			page.Body = rendered
			page.Rendered = true
		}
	}
	f.logger.Debug("content: fetched", "url", rawURL, "status", resp.StatusCode, "size", len(page.Body), "rendered", page.Rendered)
	return page, nil
}

var shellMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	`<noscript>you need to enable javascript`,
	`<noscript>enable javascript`,
}

// Sufficient reports whether an HTML body carries enough visible text to
// skip browser rendering: at least 200 text bytes, 10% of the document,
// and no single-page-app shell marker.
func Sufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, m := range shellMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	text := visibleTextLen(lower)
	return text >= 200 && float64(text)/float64(len(body)) >= 0.10
}

// visibleTextLen counts bytes outside tags, script and style.
func visibleTextLen(s string) int {
	n := 0
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "<script"), strings.HasPrefix(s[i:], "<style"):
			closeTag := "</script"
			if strings.HasPrefix(s[i:], "<style") {
				closeTag = "</style"
			}
			end := strings.Index(s[i:], closeTag)
			if end < 0 {
				return n
			}
			i += end + len(closeTag)
		case s[i] == '<':
			end := strings.IndexByte(s[i:], '>')
			if end < 0 {
				return n
			}
			i += end + 1
		default:
			if s[i] != ' ' && s[i] != '\n' && s[i] != '\t' && s[i] != '\r' {
				n++
			}
			i++
		}
	}
	return n
}
