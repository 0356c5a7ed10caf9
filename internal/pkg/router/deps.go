package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/billing"
	"github.com/chatforge-app/chatforge/internal/pkg/jobqueue"
	"github.com/chatforge-app/chatforge/internal/pkg/ratelimit"
)

// Deps are the services the routes are built from. Verifier, Queue and
// APIStorage may be nil.
type Deps struct {
	Repos          *repository.Repositories
	Verifier       *auth.Verifier
	Billing        *billing.Service
	WebhookSecret  string
	Crawler        jobqueue.Crawler
	Queue          *jobqueue.Queue
	SessionLimiter ratelimit.Limiter
	// APIStorage backs the coarse /api limiter; nil keeps counters in memory.
	APIStorage fiber.Storage
	// APIRequestsPerMinute of 0 disables the coarse /api limiter.
	APIRequestsPerMinute int
	MetricsUser          string
	MetricsPassword      string
}
