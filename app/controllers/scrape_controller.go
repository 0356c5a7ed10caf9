package controllers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/crawler"
	"github.com/chatforge-app/chatforge/internal/pkg/jobqueue"
	"github.com/chatforge-app/chatforge/internal/pkg/sentryutil"
	"github.com/chatforge-app/chatforge/internal/pkg/usercontext"
)

// ScrapeController serves the admin crawl endpoints. queue is optional;
// without it the async endpoints answer 503.
type ScrapeController struct {
	crawler jobqueue.Crawler
	queue   *jobqueue.Queue
}

func NewScrapeController(c jobqueue.Crawler, queue *jobqueue.Queue) *ScrapeController {
	return &ScrapeController{crawler: c, queue: queue}
}

func parseCrawlOptions(c *fiber.Ctx) (crawler.Options, error) {
	var opts crawler.Options
	if err := c.BodyParser(&opts); err != nil {
		return opts, errBadBody
	}
	return opts, opts.Validate()
}

var errBadBody = errors.New("body must be JSON")

func crawlOptionsError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return validationError(c, err)
	case errors.Is(err, crawler.ErrInvalidURL):
		return jsonError(c, fiber.StatusBadRequest, "invalid_url", "url must be an absolute http(s) URL")
	default:
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}
}

// HandleScrape crawls synchronously and returns the result.
func (sc *ScrapeController) HandleScrape(c *fiber.Ctx) error {
	opts, err := parseCrawlOptions(c)
	if err != nil {
		return crawlOptionsError(c, err)
	}

	result, err := sc.crawler.Crawl(c.UserContext(), opts)
	if err != nil {
		// Options were validated above, so this is unexpected.
		log.Errorf("[Crawler] crawl of %s failed: %v", opts.URL, err)
		sentryutil.CaptureError(c, err, "admin scrape", nil)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Crawl failed")
	}
	return c.JSON(result)
}

// HandleEnqueue schedules an asynchronous crawl.
func (sc *ScrapeController) HandleEnqueue(c *fiber.Ctx) error {
	if sc.queue == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Crawl job queue is not running")
	}
	opts, err := parseCrawlOptions(c)
	if err != nil {
		return crawlOptionsError(c, err)
	}

	payload := jobqueue.CrawlJobPayload{Options: opts, RequestedBy: usercontext.GetUserID(c)}
	job, err := sc.queue.EnqueueJob(c.UserContext(), jobqueue.JobTypeCrawl, payload.ToMap())
	if err != nil {
		log.Errorf("[JobQueue] enqueue crawl of %s failed: %v", opts.URL, err)
		sentryutil.CaptureError(c, err, "enqueue crawl", nil)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to enqueue crawl")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "status": job.Status})
}

// HandleStats reports queue depth and lifetime job outcome counts.
func (sc *ScrapeController) HandleStats(c *fiber.Ctx) error {
	if sc.queue == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Crawl job queue is not running")
	}
	stats, err := queueStats(c.UserContext(), sc.queue)
	if err != nil {
		log.Errorf("[JobQueue] stats failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load queue stats")
	}
	return c.JSON(stats)
}

type queueStatsResponse struct {
	Queue struct {
		Pending    int64 `json:"pending"`
		Processing int64 `json:"processing"`
		Retrying   int64 `json:"retrying"`
	} `json:"queue"`
	Jobs map[jobqueue.JobStatus]int64 `json:"jobs"`
}

func queueStats(ctx context.Context, q *jobqueue.Queue) (*queueStatsResponse, error) {
	var out queueStatsResponse
	var err error
	if out.Queue.Pending, err = q.GetQueueSize(ctx); err != nil {
		return nil, err
	}
	if out.Queue.Processing, err = q.GetProcessingSize(ctx); err != nil {
		return nil, err
	}
	if out.Queue.Retrying, err = q.GetRetrySize(ctx); err != nil {
		return nil, err
	}
	if out.Jobs, err = q.GetJobStats(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}

// HandleGetJob returns a crawl job with its result once completed.
func (sc *ScrapeController) HandleGetJob(c *fiber.Ctx) error {
	if sc.queue == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Crawl job queue is not running")
	}
	job, err := sc.queue.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Job not found or expired")
	}
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load job")
	}
	return c.JSON(job)
}
