// Package crawler implements a bounded, same-site, breadth-first crawler that
// turns pages into plain text for chatbot knowledge bases.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/env"
	"github.com/chatforge-app/chatforge/internal/pkg/metrics"
)

const (
	UserAgent = "ChatforgeBot/1.0 (+https://chatforge.app/bot)"

	DefaultMaxPages = 6
	DefaultMaxDepth = 2
	DefaultMaxChars = 60000

	DefaultRequestTimeout = 15 * time.Second
	DefaultMaxDuration    = 45 * time.Second
	DefaultMaxBodyBytes   = 5 << 20

	maxRedirects = 5
)

// Page outcomes reported to metrics.
const (
	outcomeScraped = "scraped"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// ErrInvalidURL is returned when the start URL is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid start url")

var errNotHTML = errors.New("not an html document")

var errOffSite = errors.New("redirected off site")

var validate = validator.New()

// Options bounds a single crawl. Absent limits take the defaults; they are
// pointers so that an explicit 0 is validated instead of defaulted.
type Options struct {
	URL               string `json:"url" validate:"required"`
	MaxPages          *int   `json:"maxPages,omitempty" validate:"omitempty,min=1,max=25"`
	MaxDepth          *int   `json:"maxDepth,omitempty" validate:"omitempty,min=0,max=4"`
	IncludeSubdomains bool   `json:"includeSubdomains,omitempty"`
	MaxChars          *int   `json:"maxChars,omitempty" validate:"omitempty,min=1000,max=200000"`
}

// Validate checks the option ranges. Field errors are validator.ValidationErrors.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return err
	}
	if _, ok := Normalize(o.URL); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidURL, o.URL)
	}
	return nil
}

type limits struct {
	maxPages          int
	maxDepth          int
	maxChars          int
	includeSubdomains bool
}

func (o Options) limits() limits {
	l := limits{
		maxPages:          DefaultMaxPages,
		maxDepth:          DefaultMaxDepth,
		maxChars:          DefaultMaxChars,
		includeSubdomains: o.IncludeSubdomains,
	}
	if o.MaxPages != nil {
		l.maxPages = *o.MaxPages
	}
	if o.MaxDepth != nil {
		l.maxDepth = *o.MaxDepth
	}
	if o.MaxChars != nil {
		l.maxChars = *o.MaxChars
	}
	return l
}

type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	TextLength int    `json:"textLength"`
	LinksFound int    `json:"linksFound"`
}

type PageError struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

type Summary struct {
	PagesScraped int   `json:"pagesScraped"`
	TotalChars   int   `json:"totalChars"`
	DurationMs   int64 `json:"durationMs"`
	Truncated    bool  `json:"truncated"`
	// TimedOut is set when the crawl stopped on its wall-clock budget.
	TimedOut bool `json:"timedOut,omitempty"`
}

type Result struct {
	Pages   []Page      `json:"pages"`
	Errors  []PageError `json:"errors"`
	Summary Summary     `json:"summary"`
}

type task struct {
	url   string
	depth int
}

// Crawler fetches pages one at a time. It holds no per-crawl state and is safe
// for concurrent use.
type Crawler struct {
	client       *http.Client
	userAgent    string
	maxDuration  time.Duration
	maxBodyBytes int64
	now          func() time.Time
}

type Option func(*Crawler)

// WithHTTPClient replaces the HTTP client. Its CheckRedirect is ignored; the
// crawler only follows redirects that stay on the crawled site.
func WithHTTPClient(c *http.Client) Option {
	return func(cr *Crawler) { cr.client = c }
}

// WithMaxDuration sets the wall-clock budget of a crawl; 0 disables it.
func WithMaxDuration(d time.Duration) Option {
	return func(cr *Crawler) { cr.maxDuration = d }
}

func WithMaxBodyBytes(n int64) Option {
	return func(cr *Crawler) { cr.maxBodyBytes = n }
}

func New(opts ...Option) *Crawler {
	c := &Crawler{
		client:       &http.Client{Timeout: DefaultRequestTimeout},
		userAgent:    UserAgent,
		maxDuration:  DefaultMaxDuration,
		maxBodyBytes: DefaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromEnv builds a crawler using CRAWL_REQUEST_TIMEOUT and CRAWL_MAX_DURATION.
func NewFromEnv() *Crawler {
	c := New(WithMaxDuration(env.GetEnvDuration("CRAWL_MAX_DURATION", DefaultMaxDuration)))
	c.client.Timeout = env.GetEnvDuration("CRAWL_REQUEST_TIMEOUT", DefaultRequestTimeout)
	return c
}

// Crawl walks the site rooted at opts.URL breadth first. Only option errors
// are returned; failures of individual pages are collected in Result.Errors.
func (c *Crawler) Crawl(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	start, _ := Normalize(opts.URL)
	lim := opts.limits()
	baseHost := hostOf(start)

	began := c.now()
	if c.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.maxDuration)
		defer cancel()
	}

	res := &Result{Pages: []Page{}, Errors: []PageError{}}
	frontier := []task{{url: start, depth: 0}}
	// visited holds every url ever queued, fetched every url already scraped
	// either directly or as a redirect target.
	visited := map[string]struct{}{start: {}}
	fetched := map[string]struct{}{}
	allowed := func(host string) bool {
		return IsAllowedHost(host, baseHost, lim.includeSubdomains)
	}

	for len(frontier) > 0 && len(res.Pages) < lim.maxPages {
		if ctx.Err() != nil {
			res.Summary.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			log.Warnf("[Crawler] %s: stopping with %d queued urls: %v", start, len(frontier), ctx.Err())
			break
		}
		t := frontier[0]
		frontier = frontier[1:]
		if _, done := fetched[t.url]; done {
			continue
		}

		pageURL, body, err := c.fetch(ctx, t.url, allowed)
		fetched[t.url] = struct{}{}
		if errors.Is(err, errNotHTML) {
			metrics.CrawlPages.WithLabelValues(outcomeSkipped).Inc()
			continue
		}
		if err != nil {
			metrics.CrawlPages.WithLabelValues(outcomeFailed).Inc()
			log.Debugf("[Crawler] %s: %v", t.url, err)
			res.Errors = append(res.Errors, PageError{URL: t.url, Message: err.Error()})
			continue
		}

		if pageURL != t.url {
			if _, done := fetched[pageURL]; done {
				metrics.CrawlPages.WithLabelValues(outcomeSkipped).Inc()
				continue
			}
			fetched[pageURL] = struct{}{}
			visited[pageURL] = struct{}{}
		}

		// Links resolve against the url the page was served from.
		links := ExtractLinks(body, pageURL)
		text := truncateRunes(StripToText(body), lim.maxChars)
		res.Pages = append(res.Pages, Page{
			URL:        pageURL,
			Title:      ExtractTitle(body),
			Text:       text,
			TextLength: utf8.RuneCountInString(text),
			LinksFound: len(links),
		})
		metrics.CrawlPages.WithLabelValues(outcomeScraped).Inc()

		if t.depth >= lim.maxDepth {
			continue
		}
		for _, link := range links {
			next, ok := Normalize(link)
			if !ok {
				continue
			}
			if _, seen := visited[next]; seen {
				continue
			}
			if !IsAllowedHost(hostOf(next), baseHost, lim.includeSubdomains) {
				continue
			}
			visited[next] = struct{}{}
			frontier = append(frontier, task{url: next, depth: t.depth + 1})
		}
	}

	elapsed := c.now().Sub(began)
	metrics.CrawlDuration.Observe(elapsed.Seconds())
	res.Summary.PagesScraped = len(res.Pages)
	res.Summary.DurationMs = elapsed.Milliseconds()
	for _, p := range res.Pages {
		res.Summary.TotalChars += p.TextLength
		if p.TextLength == lim.maxChars {
			res.Summary.Truncated = true
		}
	}
	log.Infof("[Crawler] %s: %d pages, %d errors in %s", start, len(res.Pages), len(res.Errors), elapsed.Round(time.Millisecond))
	return res, nil
}

// fetch GETs target and returns the normalized url the body was served from.
// Redirects are followed only while allowed accepts the next host.
func (c *Crawler) fetch(ctx context.Context, target string, allowed func(host string) bool) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.1")

	client := *c.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if !allowed(next.URL.Hostname()) {
			return fmt.Errorf("%w to %s", errOffSite, next.URL)
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errOffSite) {
			return "", "", errors.Unwrap(err)
		}
		return "", "", err
	}
	defer resp.Body.Close()

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		if u, ok := Normalize(resp.Request.URL.String()); ok {
			final = u
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return "", "", errNotHTML
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	return final, string(body), nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
