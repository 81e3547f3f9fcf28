// Package crawler fetches the pages of one website for indexing.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
)

// RawPage is one fetched HTML page.
type RawPage struct {
	URL      string
	Title    string
	Text     string
	Metadata map[string]string
}

// Options bound a single crawl.
type Options struct {
	// MaxPages caps the number of fetch attempts.
	MaxPages int
	// Timeout applies to each page fetch.
	Timeout       time.Duration
	RespectRobots bool
	// Delay is the fixed politeness delay between fetches.
	Delay     time.Duration
	UserAgent string
	// StripQuery drops query strings during normalization.
	StripQuery   bool
	MaxBodyBytes int64
}

// DefaultOptions returns conservative crawl settings.
func DefaultOptions() Options {
	return Options{
		MaxPages:      100,
		Timeout:       15 * time.Second,
		RespectRobots: true,
		Delay:         500 * time.Millisecond,
		UserAgent:     "sitekb-crawler/0.1",
		StripQuery:    true,
		MaxBodyBytes:  5 << 20,
	}
}

// Progress is reported after every fetch attempt.
type Progress struct {
	URL     string
	Found   int
	Failed  int
	Skipped int
}

// ProgressFunc receives crawl progress. It runs on the crawl goroutine.
type ProgressFunc func(Progress)

// Result is the outcome of a crawl.
type Result struct {
	Pages []RawPage
	// Visited holds every normalized URL a fetch was attempted for, in order.
	Visited []string
	Failed  []*models.FetchError
	// Skipped counts robots-disallowed, non-HTML and off-site redirect responses.
	Skipped int
}

// Crawler fetches pages one at a time with a politeness delay.
// A Crawler is safe for concurrent use by multiple jobs.
type Crawler struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a crawler. A nil client uses a client that refuses to follow
// more than ten redirects.
func New(client *http.Client, logger *slog.Logger, mc *metrics.Collector) *Crawler {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{client: client, logger: logger, metrics: mc}
}

// Crawl walks the site rooted at domain breadth-first.
// It stops when the frontier is empty, MaxPages fetches were attempted, or ctx
// is done. On cancellation the pages fetched so far are returned together with
// the context error.
func (c *Crawler) Crawl(ctx context.Context, domain string, opts Options, progress ProgressFunc) (*Result, error) {
	root, err := ParseSeed(domain)
	if err != nil {
		return nil, err
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultOptions().MaxBodyBytes
	}

	site := RegistrableDomain(root.Hostname())
	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var robots *robotsCache
	if opts.RespectRobots {
		robots = newRobotsCache(c.client, opts.UserAgent, c.logger)
	}

	start := NormalizeURL(root, opts.StripQuery)
	frontier := []string{start}
	seen := map[string]bool{start: true}
	result := &Result{}

	log := c.logger.With("site", site)
	log.Info("crawl started", "seed", start, "max_pages", opts.MaxPages, "respect_robots", opts.RespectRobots)

	for len(frontier) > 0 && len(result.Visited) < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			log.Info("crawl cancelled", "visited", len(result.Visited), "pages", len(result.Pages))
			return result, err
		}

		current := frontier[0]
		frontier = frontier[1:]

		u, err := url.Parse(current)
		if err != nil {
			continue
		}

		if robots != nil && !robots.Allowed(ctx, u) {
			log.Debug("disallowed by robots.txt", "url", current)
			result.Skipped++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return result, ctx.Err()
		}

		result.Visited = append(result.Visited, current)
		page, links, err := c.fetch(ctx, u, site, opts)
		switch {
		case err != nil:
			var fe *models.FetchError
			if !errors.As(err, &fe) {
				fe = &models.FetchError{URL: current, Err: err}
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed = append(result.Failed, fe)
			log.Warn("page fetch failed, skipping", "url", current, "error", fe)
		case page == nil:
			result.Skipped++
		case page.URL != current && seen[page.URL]:
			log.Debug("redirected to an already seen page, skipping", "url", current, "final", page.URL)
			result.Skipped++
		default:
			result.Pages = append(result.Pages, *page)
			seen[page.URL] = true
			for _, link := range links {
				if !seen[link] {
					seen[link] = true
					frontier = append(frontier, link)
				}
			}
		}

		if progress != nil {
			progress(Progress{
				URL:     current,
				Found:   len(result.Pages),
				Failed:  len(result.Failed),
				Skipped: result.Skipped,
			})
		}
	}

	log.Info("crawl finished",
		"visited", len(result.Visited),
		"pages", len(result.Pages),
		"failed", len(result.Failed),
		"skipped", result.Skipped)
	return result, nil
}

// fetch downloads one page. It returns a nil page without error for responses
// that are skipped (non-HTML, redirected off-site).
func (c *Crawler) fetch(ctx context.Context, u *url.URL, site string, opts Options) (*RawPage, []string, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordTiming(metrics.OpCrawlFetch, time.Since(start))
		}
	}()

	fetchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, &models.FetchError{URL: u.String(), Err: err}
	}
	req.Header.Set("User-Agent", opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.1")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, &models.FetchError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, nil, &models.FetchError{URL: u.String(), StatusCode: resp.StatusCode}
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if !SameSite(final, site) {
		c.logger.Debug("redirected off-site, skipping", "url", u.String(), "final", final.String())
		return nil, nil, nil
	}

	if !isHTML(resp.Header.Get("Content-Type")) {
		c.logger.Debug("not an html page, skipping", "url", u.String(), "content_type", resp.Header.Get("Content-Type"))
		return nil, nil, nil
	}

	parsed, err := parseHTML(io.LimitReader(resp.Body, opts.MaxBodyBytes))
	if err != nil {
		return nil, nil, &models.FetchError{URL: u.String(), Err: fmt.Errorf("parse html: %w", err)}
	}

	pageURL := NormalizeURL(final, opts.StripQuery)
	meta := map[string]string{}
	if parsed.Description != "" {
		meta["description"] = parsed.Description
	}
	if parsed.Lang != "" {
		meta["lang"] = parsed.Lang
	}
	if pageURL != u.String() {
		meta["requested_url"] = u.String()
	}

	var links []string
	if !parsed.NoFollow {
		for _, href := range parsed.Links {
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			abs := final.ResolveReference(ref)
			if !AllowedLink(abs, site) {
				continue
			}
			links = append(links, NormalizeURL(abs, opts.StripQuery))
		}
	}

	return &RawPage{
		URL:      pageURL,
		Title:    parsed.Title,
		Text:     parsed.Text,
		Metadata: meta,
	}, links, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "html")
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
