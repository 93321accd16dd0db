// Package fetch retrieves reference material for a topic from the web.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/kalambet/selftune/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrTransient marks failures worth retrying later: network errors,
// timeouts, rate limiting and server errors.
var ErrTransient = errors.New("transient fetch failure")

// Fetcher returns text chunks about a topic.
type Fetcher interface {
	Fetch(ctx context.Context, topic string) ([]string, error)
}

type Options struct {
	SearchURL     string
	MaxResults    int
	Timeout       time.Duration
	RatePerSecond float64
	MaxBytes      int
	UserAgent     string
	// MaxAttempts bounds tries per request. Defaults to 3.
	MaxAttempts int
	// RetryInitial is the first backoff delay. Defaults to 500ms.
	RetryInitial time.Duration
}

// WebFetcher searches SearchURL for a topic and extracts text from the top
// results.
type WebFetcher struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewWebFetcher(opts Options) *WebFetcher {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &WebFetcher{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default(),
	}
}

// Fetch returns paragraph chunks from the top search results. Pages that
// fail are skipped; if every page fails the error wraps ErrTransient.
func (f *WebFetcher) Fetch(ctx context.Context, topic string) ([]string, error) {
	links, err := f.search(ctx, topic)
	if err != nil {
		return nil, err
	}
	if len(links) > f.opts.MaxResults {
		links = links[:f.opts.MaxResults]
	}
	if len(links) == 0 {
		f.logger.Info("search returned no results", "topic", topic)
		return nil, nil
	}

	pages := make([][]string, len(links))
	var mu sync.Mutex
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, link := range links {
		i, link := i, link
		g.Go(func() error {
			chunks, err := f.fetchPage(gctx, link)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Warn("skipping page", "url", link, "error", err)
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			pages[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failures) == len(links) {
		return nil, fmt.Errorf("%w: all %d pages failed: %v", ErrTransient, len(links), errors.Join(failures...))
	}

	var out []string
	for _, p := range pages {
		out = append(out, p...)
	}
	f.logger.Debug("fetched topic", "topic", topic, "pages", len(links)-len(failures), "chunks", len(out))
	return out, nil
}

func (f *WebFetcher) search(ctx context.Context, topic string) ([]string, error) {
	u, err := url.Parse(f.opts.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("parsing search url: %w", err)
	}
	q := u.Query()
	q.Set("q", topic)
	u.RawQuery = q.Encode()

	var links []string
	err = f.get(ctx, u.String(), func(resp *http.Response) error {
		doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, int64(f.opts.MaxBytes)))
		if err != nil {
			metrics.FetchErrors.WithLabelValues("parse").Inc()
			return backoff.Permanent(fmt.Errorf("parsing search results: %w", err))
		}
		links = resultLinks(doc, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", topic, err)
	}
	return links, nil
}

func (f *WebFetcher) fetchPage(ctx context.Context, link string) ([]string, error) {
	var chunks []string
	err := f.get(ctx, link, func(resp *http.Response) error {
		body := io.LimitReader(resp.Body, int64(f.opts.MaxBytes))
		ct := resp.Header.Get("Content-Type")

		var err error
		if isPDF(ct, link) {
			chunks, err = pdfChunks(body)
		} else {
			chunks, err = htmlChunks(body, ct)
		}
		if err != nil {
			metrics.FetchErrors.WithLabelValues("parse").Inc()
			return backoff.Permanent(err)
		}
		return nil
	})
	return chunks, err
}

// get performs a rate-limited GET with retries and hands a 200 response to
// handle. Transient failures are retried with exponential backoff.
func (f *WebFetcher) get(ctx context.Context, target string, handle func(*http.Response) error) error {
	op := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if f.opts.UserAgent != "" {
			req.Header.Set("User-Agent", f.opts.UserAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			metrics.FetchErrors.WithLabelValues("transient").Inc()
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			metrics.FetchErrors.WithLabelValues("transient").Inc()
			return fmt.Errorf("%w: %s returned %d", ErrTransient, target, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			metrics.FetchErrors.WithLabelValues("permanent").Inc()
			return backoff.Permanent(fmt.Errorf("%s returned %d", target, resp.StatusCode))
		}
		return handle(resp)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.RetryInitial
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.opts.MaxAttempts-1)), ctx))
}

// resultLinks collects result URLs in page order, preferring the
// search engine's result anchors and falling back to any absolute link.
func resultLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	collect := func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		link := normalizeLink(href, base)
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	}

	doc.Find("a.result__a").Each(collect)
	if len(links) == 0 {
		doc.Find("a[href]").Each(collect)
	}
	return links
}

func normalizeLink(href string, base *url.URL) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	// Redirect links carry the target in a query parameter.
	if target := abs.Query().Get("uddg"); target != "" {
		if t, err := url.Parse(target); err == nil {
			abs = t
		}
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	if abs.Host == base.Host {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func isPDF(contentType, link string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	u, err := url.Parse(link)
	return err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}
