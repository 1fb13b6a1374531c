// CLAUDE:SUMMARY Headless Chrome renderer (go-rod + stealth) for script-built pages, launched lazily and shared across fetches.
package content

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless renderer.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket of an external Chrome. Empty
	// launches a local headless instance.
	RemoteURL string `yaml:"remote_url"`
	// NavigateTimeout bounds one page load. Default: 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
	// Settle is the pause after load for late scripts. Default: 500ms.
	Settle time.Duration `yaml:"settle"`
}

// Browser renders pages in a stealth tab. The Chrome process starts on
// first use. Safe for concurrent use.
type Browser struct {
	cfg    BrowserConfig
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowser returns a renderer; Chrome is not started yet.
func NewBrowser(cfg BrowserConfig, logger *slog.Logger) *Browser {
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 30 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{cfg: cfg, logger: logger}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}
	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("content: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.logger.Info("content: launched local chrome", "url", wsURL)
	}
	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("content: connect chrome: %w", err)
	}
	b.browser = br
	return br, nil
}

// Render navigates a fresh stealth tab to url and returns its HTML.
func (b *Browser) Render(ctx context.Context, url string) ([]byte, error) {
	br, err := b.connect()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("content: open tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()
	p := page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return nil, fmt.Errorf("content: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.logger.Warn("content: wait load", "url", url, "error", err)
	}
	select {
	case <-navCtx.Done():
	case <-time.After(b.cfg.Settle):
	}
	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("content: read DOM: %w", err)
	}
	return []byte(html), nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
	return err
}
