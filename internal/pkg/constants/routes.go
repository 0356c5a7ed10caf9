package constants

// Route prefixes
const (
	APIPrefix     = "/api"
	AdminPrefix   = "/admin"
	WebhookPrefix = "/webhooks"
)

// Ops routes
const (
	HealthRoute  = "/health"
	MetricsRoute = "/metrics"
	DocsRoute    = "/docs/api/"
)

// Routes relative to their prefix
const (
	BillingWebhookRoute = "/billing"
	PlansRoute          = "/plans"
	CheckoutRoute       = "/billing/checkout"
	SubscriptionRoute   = "/billing/subscription"
	ChatSessionsRoute   = "/chat/sessions"
	ScrapeRoute         = "/scrape"
	ScrapeJobsRoute     = "/scrape/jobs"
	ScrapeJobRoute      = "/scrape/jobs/:id"
	ScrapeStatsRoute    = "/scrape/stats"
	BotSessionRoute     = "/bots/:botId/sessions/:sessionId"
	BotUsageRoute       = "/bots/:botId/usage"
)
