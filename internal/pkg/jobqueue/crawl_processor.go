package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/archive"
	"github.com/chatforge-app/chatforge/internal/pkg/crawler"
)

// Crawler is the part of *crawler.Crawler the processor uses.
type Crawler interface {
	Crawl(ctx context.Context, opts crawler.Options) (*crawler.Result, error)
}

// CrawlProcessor runs crawl jobs and keeps their results on the job record.
// Archive is optional.
type CrawlProcessor struct {
	Crawler Crawler
	Archive archive.Store
	now     func() time.Time
}

func NewCrawlProcessor(c Crawler, store archive.Store) *CrawlProcessor {
	return &CrawlProcessor{Crawler: c, Archive: store, now: time.Now}
}

// Process implements Handler for JobTypeCrawl.
func (p *CrawlProcessor) Process(ctx context.Context, job *Job) error {
	payload, err := CrawlJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: decode crawl payload: %v", ErrPermanent, err)
	}

	result, err := p.Crawler.Crawl(ctx, payload.Options)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) || errors.Is(err, crawler.ErrInvalidURL) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode crawl result: %v", ErrPermanent, err)
	}
	job.Result = raw

	if p.Archive != nil {
		key, err := p.Archive.Put(ctx, job.ID, p.now(), result)
		if err != nil {
			// The result is already on the job record; archiving is best effort.
			log.Warnf("[JobQueue] Failed to archive crawl job %s: %v", job.ID, err)
		} else {
			job.ArchiveKey = key
		}
	}

	log.Infof("[JobQueue] Crawl job %s for %s scraped %d pages (%d errors)",
		job.ID, payload.Options.URL, result.Summary.PagesScraped, len(result.Errors))
	return nil
}
