package controllers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/cache/cachetest"
	"github.com/chatforge-app/chatforge/internal/pkg/crawler"
	"github.com/chatforge-app/chatforge/internal/pkg/database"
	"github.com/chatforge-app/chatforge/internal/pkg/jobqueue"
	"github.com/chatforge-app/chatforge/internal/pkg/middleware"
)

type stubCrawler struct {
	result *crawler.Result
	err    error
	got    crawler.Options
}

func (s *stubCrawler) Crawl(_ context.Context, opts crawler.Options) (*crawler.Result, error) {
	s.got = opts
	return s.result, s.err
}

func newScrapeApp(t *testing.T, c jobqueue.Crawler, queue *jobqueue.Queue) (*fiber.App, *auth.Verifier) {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(testJWTSecret)
	require.NoError(t, err)

	sc := NewScrapeController(c, queue)
	app := fiber.New()
	admin := app.Group("/admin", middleware.Authenticate(verifier, repository.NewUserRepository(db)), middleware.RequireAdmin)
	admin.Post("/scrape", sc.HandleScrape)
	admin.Post("/scrape/jobs", sc.HandleEnqueue)
	admin.Get("/scrape/jobs/:id", sc.HandleGetJob)
	admin.Get("/scrape/stats", sc.HandleStats)
	return app, verifier
}

func issue(t *testing.T, v *auth.Verifier, userID, role string) string {
	t.Helper()
	tok, err := v.Issue(userID, userID+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestScrapeRequiresAdmin(t *testing.T) {
	app, v := newScrapeApp(t, &stubCrawler{}, nil)
	body := map[string]interface{}{"url": "https://example.com"}

	status, _ := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", "", body))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body2 := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", issue(t, v, "user-1", models.ROLE_USER), body))
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "forbidden", body2["error"])
}

func TestScrapeReturnsResult(t *testing.T) {
	stub := &stubCrawler{result: &crawler.Result{
		Pages:   []crawler.Page{{URL: "https://example.com/", Title: "Example", Text: "hello", TextLength: 5}},
		Errors:  []crawler.PageError{},
		Summary: crawler.Summary{PagesScraped: 1, TotalChars: 5},
	}}
	app, v := newScrapeApp(t, stub, nil)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", token, map[string]interface{}{
		"url": "https://example.com", "maxPages": 3, "maxDepth": 0,
	}))
	require.Equal(t, fiber.StatusOK, status, body)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["pagesScraped"])
	assert.Len(t, body["pages"], 1)

	require.NotNil(t, stub.got.MaxPages)
	assert.Equal(t, 3, *stub.got.MaxPages)
	assert.Nil(t, stub.got.MaxChars)
	require.NotNil(t, stub.got.MaxDepth)
	assert.Equal(t, 0, *stub.got.MaxDepth)
}

func TestScrapeRejectsBadOptions(t *testing.T) {
	stub := &stubCrawler{}
	app, v := newScrapeApp(t, stub, nil)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", token, map[string]interface{}{
		"url": "https://example.com", "maxPages": 26,
	}))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", body["error"])
	details := body["details"].([]interface{})
	require.Len(t, details, 1)
	assert.Equal(t, "MaxPages", details[0].(map[string]interface{})["field"])
	assert.Equal(t, "max", details[0].(map[string]interface{})["rule"])

	status, body = do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", token, map[string]interface{}{"url": "ftp://example.com"}))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_url", body["error"])

	status, body = do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", token, map[string]interface{}{}))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", body["error"])

	assert.Empty(t, stub.got.URL, "crawler must not run for rejected options")
}

func TestScrapeRejectsExplicitZeroLimits(t *testing.T) {
	stub := &stubCrawler{}
	app, v := newScrapeApp(t, stub, nil)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	for field, want := range map[string]string{"maxPages": "MaxPages", "maxChars": "MaxChars"} {
		status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", token, map[string]interface{}{
			"url": "https://example.com", field: 0,
		}))
		require.Equal(t, fiber.StatusBadRequest, status, field)
		assert.Equal(t, "validation_failed", body["error"])
		details := body["details"].([]interface{})
		require.Len(t, details, 1)
		assert.Equal(t, want, details[0].(map[string]interface{})["field"])
		assert.Equal(t, "min", details[0].(map[string]interface{})["rule"])
	}
	assert.Empty(t, stub.got.URL)
}

func TestScrapeCrawlerFailureIs500(t *testing.T) {
	app, v := newScrapeApp(t, &stubCrawler{err: errors.New("boom")}, nil)
	status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape", issue(t, v, "admin-1", models.ROLE_ADMIN), map[string]interface{}{"url": "https://example.com"}))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "internal_server_error", body["error"])
}

func TestScrapeJobsWithoutQueue(t *testing.T) {
	app, v := newScrapeApp(t, &stubCrawler{}, nil)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape/jobs", token, map[string]interface{}{"url": "https://example.com"}))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "queue_unavailable", body["error"])

	status, _ = do(t, app, jsonRequest(t, http.MethodGet, "/admin/scrape/jobs/abc", token, nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	status, _ = do(t, app, jsonRequest(t, http.MethodGet, "/admin/scrape/stats", token, nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestScrapeJobsEnqueueAndFetch(t *testing.T) {
	queue := jobqueue.NewQueue(cachetest.ClientDB(t, cachetest.ControllersDB), 1)
	app, v := newScrapeApp(t, &stubCrawler{}, queue)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	status, body := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape/jobs", token, map[string]interface{}{"url": "https://example.com", "maxPages": 2}))
	require.Equal(t, fiber.StatusAccepted, status, body)
	assert.Equal(t, string(jobqueue.JobStatusPending), body["status"])
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	status, body = do(t, app, jsonRequest(t, http.MethodGet, "/admin/scrape/jobs/"+id, token, nil))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, string(jobqueue.JobTypeCrawl), body["type"])

	job, err := queue.GetJob(context.Background(), id)
	require.NoError(t, err)
	payload, err := jobqueue.CrawlJobPayloadFromMap(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", payload.Options.URL)
	assert.Equal(t, "admin-1", payload.RequestedBy)

	status, body = do(t, app, jsonRequest(t, http.MethodGet, "/admin/scrape/jobs/does-not-exist", token, nil))
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestScrapeStats(t *testing.T) {
	queue := jobqueue.NewQueue(cachetest.ClientDB(t, cachetest.ControllersDB), 1)
	app, v := newScrapeApp(t, &stubCrawler{}, queue)
	token := issue(t, v, "admin-1", models.ROLE_ADMIN)

	for i := 0; i < 2; i++ {
		status, _ := do(t, app, jsonRequest(t, http.MethodPost, "/admin/scrape/jobs", token, map[string]interface{}{"url": "https://example.com"}))
		require.Equal(t, fiber.StatusAccepted, status)
	}

	status, body := do(t, app, jsonRequest(t, http.MethodGet, "/admin/scrape/stats", token, nil))
	require.Equal(t, fiber.StatusOK, status, body)
	depth := body["queue"].(map[string]interface{})
	assert.Equal(t, float64(2), depth["pending"])
	assert.Equal(t, float64(0), depth["processing"])
	assert.Equal(t, float64(0), depth["retrying"])
	jobs := body["jobs"].(map[string]interface{})
	assert.Equal(t, float64(2), jobs[string(jobqueue.JobStatusPending)])
}
