package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestCrawlTwoPageSite(t *testing.T) {
	site := newFakeSite()
	site.html("https://example.test/", `<title>Home</title><p>Welcome home</p><a href="/about">About</a>`)
	site.html("https://example.test/about", `<title>About</title><p>About us</p><a href="/">Home</a>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.test/", MaxDepth: intPtr(1), MaxPages: intPtr(5)})
	require.NoError(t, err)

	require.Len(t, res.Pages, 2)
	assert.Equal(t, "https://example.test/", res.Pages[0].URL)
	assert.Equal(t, "Home", res.Pages[0].Title)
	assert.Equal(t, 1, res.Pages[0].LinksFound)
	assert.Equal(t, "About us", res.Pages[1].Text)
	assert.Equal(t, len("About us"), res.Pages[1].TextLength)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Summary.PagesScraped)
	assert.Equal(t, len("Welcome home About")+len("About us"), res.Summary.TotalChars)
	assert.False(t, res.Summary.Truncated)
	assert.Equal(t, []string{"https://example.test/", "https://example.test/about"}, site.requests)
	assert.Equal(t, UserAgent, site.agents[0])
}

// Every page links to the next ten, giving 100 reachable pages.
func buildGraphSite(n int) *fakeSite {
	site := newFakeSite()
	for i := 0; i < n; i++ {
		var b strings.Builder
		fmt.Fprintf(&b, "<title>Page %d</title><p>content %d</p>", i, i)
		for j := 1; j <= 10; j++ {
			fmt.Fprintf(&b, `<a href="/p/%d">next</a>`, (i+j)%n)
		}
		url := fmt.Sprintf("https://big.test/p/%d", i)
		site.html(url, b.String())
	}
	return site
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	site := buildGraphSite(100)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://big.test/p/0", MaxPages: intPtr(6), MaxDepth: intPtr(4)})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 6)
	assert.Len(t, site.requests, 6)

	// Strict FIFO: the start page, then its links in document order.
	for i, p := range res.Pages {
		assert.Equal(t, fmt.Sprintf("https://big.test/p/%d", i), p.URL)
	}
}

func TestCrawlDepthZeroFetchesOnlyStart(t *testing.T) {
	site := buildGraphSite(100)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://big.test/p/0", MaxPages: intPtr(25), MaxDepth: intPtr(0)})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 1)
	assert.Equal(t, 10, res.Pages[0].LinksFound)
}

func TestCrawlDepthBoundStopsBeforePageBound(t *testing.T) {
	site := newFakeSite()
	site.html("https://chain.test/", `<a href="/1">1</a>`)
	site.html("https://chain.test/1", `<a href="/2">2</a>`)
	site.html("https://chain.test/2", `<a href="/3">3</a>`)
	site.html("https://chain.test/3", `<p>end</p>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://chain.test", MaxPages: intPtr(25), MaxDepth: intPtr(2)})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 3)
	assert.Equal(t, "https://chain.test/", res.Pages[0].URL)
}

func TestCrawlTruncatesText(t *testing.T) {
	site := newFakeSite()
	site.html("https://long.test/", "<p>"+strings.Repeat("é", 1500)+"</p>")

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://long.test/", MaxChars: intPtr(1000)})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, 1000, res.Pages[0].TextLength)
	assert.Equal(t, strings.Repeat("é", 1000), res.Pages[0].Text)
	assert.True(t, res.Summary.Truncated)
	assert.Equal(t, 1000, res.Summary.TotalChars)
}

func TestCrawlIsolatesPageFailures(t *testing.T) {
	site := newFakeSite()
	site.html("https://mixed.test/", `<a href="/broken">b</a><a href="/missing">m</a><a href="/doc.pdf">pdf</a><a href="/ok">ok</a>`)
	site.fail("https://mixed.test/broken")
	site.pages["https://mixed.test/doc.pdf"] = fakeResponse{status: http.StatusOK, contentType: "application/pdf", body: "%PDF"}
	site.html("https://mixed.test/ok", `<title>OK</title>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://mixed.test/"})
	require.NoError(t, err)

	require.Len(t, res.Pages, 2)
	assert.Equal(t, "https://mixed.test/ok", res.Pages[1].URL)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "https://mixed.test/broken", res.Errors[0].URL)
	assert.Contains(t, res.Errors[0].Message, "connection reset")
	assert.Equal(t, "https://mixed.test/missing", res.Errors[1].URL)
	assert.Equal(t, "HTTP 404", res.Errors[1].Message)
}

func TestCrawlHostFilter(t *testing.T) {
	site := newFakeSite()
	site.html("https://example.com/", `<a href="https://blog.example.com/">blog</a><a href="https://evilexample.com/">evil</a><a href="https://example.org/">org</a>`)
	site.html("https://blog.example.com/", `<p>blog</p>`)
	site.html("https://evilexample.com/", `<p>evil</p>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 1)

	site.requests = nil
	res, err = site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.com/", IncludeSubdomains: true})
	require.NoError(t, err)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, "https://blog.example.com/", res.Pages[1].URL)
	assert.NotContains(t, site.requests, "https://evilexample.com/")
}

func TestCrawlRedirects(t *testing.T) {
	site := newFakeSite()
	site.html("https://example.com/", `<a href="/go">go</a><a href="/docs">docs</a>`)
	site.redirect("https://example.com/go", "https://evil.test/landing")
	site.html("https://evil.test/landing", `<title>Evil</title><a href="/more">more</a>`)
	site.redirect("https://example.com/docs", "https://example.com/docs/")
	site.html("https://example.com/docs/", `<title>Docs</title><a href="guide">guide</a><a href="/docs">again</a>`)
	site.html("https://example.com/docs/guide", `<title>Guide</title>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.com/", MaxDepth: intPtr(3)})
	require.NoError(t, err)

	urls := make([]string, 0, len(res.Pages))
	for _, p := range res.Pages {
		urls = append(urls, p.URL)
		assert.NotEqual(t, "Evil", p.Title)
	}
	assert.Equal(t, []string{"https://example.com/", "https://example.com/docs/", "https://example.com/docs/guide"}, urls)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "https://example.com/go", res.Errors[0].URL)
	assert.Contains(t, res.Errors[0].Message, "redirected off site")
	for _, r := range site.requests {
		assert.False(t, strings.Contains(r, "evil.test"), r)
	}
	assert.Equal(t, 1, strings.Count(strings.Join(site.requests, " "), "https://example.com/docs/guide"))
}

func TestCrawlFollowsSubdomainRedirectWhenIncluded(t *testing.T) {
	site := newFakeSite()
	site.redirect("https://example.com/", "https://www.example.com/")
	site.html("https://www.example.com/", `<title>Home</title><a href="/about">about</a>`)
	site.html("https://www.example.com/about", `<title>About</title>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Empty(t, res.Pages)
	require.Len(t, res.Errors, 1)

	res, err = site.crawler().Crawl(crawlCtx(), Options{URL: "https://example.com/", IncludeSubdomains: true})
	require.NoError(t, err)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, "https://www.example.com/", res.Pages[0].URL)
	assert.Equal(t, "https://www.example.com/about", res.Pages[1].URL)
}

func TestCrawlNeverRefetchesVisited(t *testing.T) {
	site := newFakeSite()
	site.html("https://loop.test/", `<a href="/a">a</a><a href="/a#x">a again</a><a href="https://LOOP.test/">self</a>`)
	site.html("https://loop.test/a", `<a href="/">home</a><a href="/a">self</a>`)

	res, err := site.crawler().Crawl(crawlCtx(), Options{URL: "https://loop.test/", MaxDepth: intPtr(4)})
	require.NoError(t, err)
	assert.Len(t, res.Pages, 2)
	assert.Len(t, site.requests, 2)
}

func TestCrawlStopsOnDeadline(t *testing.T) {
	site := buildGraphSite(100)
	site.delay = time.Second

	res, err := site.crawler(WithMaxDuration(20*time.Millisecond)).Crawl(crawlCtx(), Options{URL: "https://big.test/p/0"})
	require.NoError(t, err)
	assert.True(t, res.Summary.TimedOut)
	assert.Empty(t, res.Pages)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "https://big.test/p/0", res.Errors[0].URL)
}

func TestCrawlCanceledContext(t *testing.T) {
	site := buildGraphSite(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := site.crawler().Crawl(ctx, Options{URL: "https://big.test/p/0"})
	require.NoError(t, err)
	assert.Empty(t, res.Pages)
	assert.False(t, res.Summary.TimedOut)
}

func TestCrawlOptionValidation(t *testing.T) {
	c := newFakeSite().crawler()

	_, err := c.Crawl(crawlCtx(), Options{URL: "notaurl"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	for _, opts := range []Options{
		{},
		{URL: "https://x.test/", MaxPages: intPtr(0)},
		{URL: "https://x.test/", MaxPages: intPtr(26)},
		{URL: "https://x.test/", MaxPages: intPtr(-1)},
		{URL: "https://x.test/", MaxDepth: intPtr(5)},
		{URL: "https://x.test/", MaxDepth: intPtr(-1)},
		{URL: "https://x.test/", MaxChars: intPtr(0)},
		{URL: "https://x.test/", MaxChars: intPtr(999)},
		{URL: "https://x.test/", MaxChars: intPtr(200001)},
	} {
		_, err := c.Crawl(crawlCtx(), opts)
		var verrs validator.ValidationErrors
		assert.True(t, errors.As(err, &verrs), "%+v", opts)
	}
}

func TestOptionDefaults(t *testing.T) {
	l := Options{URL: "https://x.test/"}.limits()
	assert.Equal(t, limits{maxPages: 6, maxDepth: 2, maxChars: 60000}, l)

	l = Options{URL: "https://x.test/", MaxPages: intPtr(25), MaxDepth: intPtr(0), MaxChars: intPtr(1000), IncludeSubdomains: true}.limits()
	assert.Equal(t, limits{maxPages: 25, maxDepth: 0, maxChars: 1000, includeSubdomains: true}, l)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "héllo", truncateRunes("héllo", 5))
	assert.Equal(t, "", truncateRunes("abc", 0))
}

func TestIsHTML(t *testing.T) {
	assert.True(t, isHTML("text/html"))
	assert.True(t, isHTML("TEXT/HTML; charset=UTF-8"))
	assert.True(t, isHTML("application/xhtml+xml"))
	assert.False(t, isHTML("application/json"))
	assert.False(t, isHTML(""))
}
