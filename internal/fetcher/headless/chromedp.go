// Package headless fetches registry detail pages through headless Chrome,
// letting the browser run the session bootstrap script itself.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	BaseURL           string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// FirstSettle follows the initial navigation; Settle follows each reload.
	FirstSettle time.Duration
	Settle      time.Duration
	Headers     http.Header
}

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url must be set")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.FirstSettle <= 0 {
		cfg.FirstSettle = 1500 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// FetchPage navigates to the detail page, reloads once to pick up the session,
// and reloads a second time if neither permit marker is present.
func (f *Fetcher) FetchPage(ctx context.Context, indexKey string) (string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	start := time.Now()
	defer func() { metrics.ObserveFetch("headless", time.Since(start)) }()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// Tie the browser tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	first := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(crawler.PageURL(f.cfg.BaseURL, indexKey)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.FirstSettle),
	}
	first = append(first, f.reloadAndCapture(&html)...)
	if err := chromedp.Run(taskCtx, first...); err != nil {
		metrics.ObserveFetchAttempt("headless", "error")
		return "", fmt.Errorf("headless fetch %s: %w", indexKey, err)
	}
	if crawler.HasPermitMarker(html) {
		metrics.ObserveFetchAttempt("headless", "ok")
		return html, nil
	}
	if err := chromedp.Run(taskCtx, f.reloadAndCapture(&html)...); err != nil {
		metrics.ObserveFetchAttempt("headless", "error")
		return "", fmt.Errorf("headless reload %s: %w", indexKey, err)
	}
	if !crawler.IsUsable(html) {
		metrics.ObserveFetchAttempt("headless", "empty")
		return "", fmt.Errorf("headless fetch %s: %w", indexKey, crawler.ErrNoContent)
	}
	metrics.ObserveFetchAttempt("headless", "ok")
	return html, nil
}

func (f *Fetcher) reloadAndCapture(html *string) []chromedp.Action {
	return []chromedp.Action{
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
