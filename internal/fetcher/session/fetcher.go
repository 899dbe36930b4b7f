package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock/system"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

// Config tunes the ladder. Zero durations are replaced by defaults in New.
type Config struct {
	BaseURL         string
	UserAgent       string
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffStep     time.Duration
	ReloadWait      time.Duration
	MarkerRetryWait time.Duration
}

// Waiter paces outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.PageFetcher over a crawler.Fetcher transport.
type Fetcher struct {
	cfg       Config
	transport crawler.Fetcher
	retry     *crawler.LinearRetryPolicy
	sleeper   crawler.Sleeper
	limiter   Waiter
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSleeper replaces the waiting strategy used between requests.
func WithSleeper(s crawler.Sleeper) Option {
	return func(f *Fetcher) {
		if s != nil {
			f.sleeper = s
		}
	}
}

// WithLimiter paces every outbound request.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) {
		f.limiter = w
	}
}

// New builds a ladder fetcher.
func New(transport crawler.Fetcher, cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 3 * time.Second
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = time.Second
	}
	if cfg.ReloadWait <= 0 {
		cfg.ReloadWait = 2 * time.Second
	}
	if cfg.MarkerRetryWait <= 0 {
		cfg.MarkerRetryWait = 1500 * time.Millisecond
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: transport,
		retry:     crawler.NewLinearRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffStep),
		sleeper:   system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage runs up to MaxRetries ladder attempts, each with a fresh session.
func (f *Fetcher) FetchPage(ctx context.Context, indexKey string) (string, error) {
	pageURL := crawler.PageURL(f.cfg.BaseURL, indexKey)
	start := time.Now()
	defer func() { metrics.ObserveFetch("http", time.Since(start)) }()

	var lastErr error
	for attempt := 0; ; attempt++ {
		content, _, err := f.attempt(ctx, pageURL, Session{})
		if err == nil {
			metrics.ObserveFetchAttempt("http", "ok")
			return content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: %w", indexKey, ctx.Err())
		}
		metrics.ObserveFetchAttempt("http", "error")
		f.logger.Debug("fetch attempt failed",
			zap.String("index_key", indexKey),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", f.retry.MaxAttempts()),
			zap.Error(err),
		)
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		if err := f.sleeper.Sleep(ctx, f.retry.Backoff(attempt)); err != nil {
			return "", fmt.Errorf("fetch %s: %w", indexKey, err)
		}
	}
	return "", fmt.Errorf("fetch %s after %d attempts: %w: %w", indexKey, f.retry.MaxAttempts(), crawler.ErrNoContent, lastErr)
}

// attempt performs one pass of the ladder. The returned Session holds every
// cookie collected along the way.
func (f *Fetcher) attempt(ctx context.Context, pageURL string, sess Session) (string, Session, error) {
	resp, sess, err := f.get(ctx, pageURL, sess, nil)
	if err != nil {
		return "", sess, err
	}

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther {
		if loc := resp.Headers.Get("Location"); loc != "" {
			target, err := resolve(pageURL, loc)
			if err != nil {
				return "", sess, err
			}
			resp, sess, err = f.get(ctx, target, sess, nil)
			if err != nil {
				return "", sess, err
			}
		}
	}
	if err := checkStatus(resp); err != nil {
		return "", sess, err
	}
	content := string(resp.Body)

	if crawler.NeedsReload(content) {
		if err := f.sleeper.Sleep(ctx, f.cfg.ReloadWait); err != nil {
			return "", sess, err
		}
		resp, sess, err = f.get(ctx, pageURL, sess, http.Header{"Referer": {pageURL}})
		if err != nil {
			return "", sess, err
		}
		if err := checkStatus(resp); err != nil {
			return "", sess, err
		}
		content = string(resp.Body)
	}

	if crawler.IsUsable(content) {
		return content, sess, nil
	}

	if err := f.sleeper.Sleep(ctx, f.cfg.MarkerRetryWait); err != nil {
		return "", sess, err
	}
	resp, sess, err = f.get(ctx, pageURL, sess, http.Header{
		"Referer":          {pageURL},
		"X-Requested-With": {"XMLHttpRequest"},
	})
	if err != nil {
		return "", sess, err
	}
	if err := checkStatus(resp); err != nil {
		return "", sess, err
	}
	content = string(resp.Body)
	if !crawler.IsUsable(content) {
		return "", sess, fmt.Errorf("no permit marker in response from %s", pageURL)
	}
	return content, sess, nil
}

func (f *Fetcher) get(ctx context.Context, target string, sess Session, extra http.Header) (crawler.FetchResponse, Session, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return crawler.FetchResponse{}, sess, err
		}
	}
	headers := f.baseHeaders()
	for k, v := range extra {
		headers[k] = v
	}
	if c := sess.CookieHeader(); c != "" {
		headers.Set("Cookie", c)
	}
	resp, err := f.transport.Fetch(ctx, crawler.FetchRequest{URL: target, Headers: headers})
	if err != nil {
		return crawler.FetchResponse{}, sess, fmt.Errorf("get %s: %w", target, err)
	}
	return resp, sess.Absorb(resp.Headers), nil
}

func (f *Fetcher) baseHeaders() http.Header {
	h := http.Header{}
	if f.cfg.UserAgent != "" {
		h.Set("User-Agent", f.cfg.UserAgent)
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "zh-TW,zh;q=0.9,en-US;q=0.8,en;q=0.7")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Cache-Control", "max-age=0")
	return h
}

func checkStatus(resp crawler.FetchResponse) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, resp.URL)
	}
	return nil
}

func resolve(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	return b.ResolveReference(loc).String(), nil
}
