package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/archive"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/billing"
	"github.com/chatforge-app/chatforge/internal/pkg/cache"
	"github.com/chatforge-app/chatforge/internal/pkg/constants"
	"github.com/chatforge-app/chatforge/internal/pkg/crawler"
	"github.com/chatforge-app/chatforge/internal/pkg/database"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
	"github.com/chatforge-app/chatforge/internal/pkg/env"
	"github.com/chatforge-app/chatforge/internal/pkg/jobqueue"
	"github.com/chatforge-app/chatforge/internal/pkg/ratelimit"
	"github.com/chatforge-app/chatforge/internal/pkg/router"
	"github.com/chatforge-app/chatforge/internal/pkg/sentryutil"
)

const bodyLimit = 4 << 20

func main() {
	app, shutdown := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}
	shutdown()
}

// NewApplication wires every service and returns the app plus a function
// stopping the background workers.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	sentryEnabled := sentryutil.Init()
	database.SetupDatabase()
	cacheErr := cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	billingService := newBillingService()
	crawl := crawler.NewFromEnv()

	verifier, err := auth.NewVerifierFromEnv()
	if err != nil {
		log.Warnf("[Auth] bearer tokens disabled: %v", err)
		verifier = nil
	}

	// Queued crawls need Redis; without it only synchronous scrapes are served.
	var manager *jobqueue.Manager
	if cacheErr == nil {
		manager = newCrawlJobManager(crawl)
		manager.Start()
	} else {
		log.Warn("[JobQueue] cache unavailable, crawl job queue disabled")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: sentryutil.ErrorHandler,
		BodyLimit:    bodyLimit,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())
	if sentryEnabled {
		app.Use(sentryutil.Middleware())
	}

	// SWAGGER / OPENAPI
	if specPath := findOpenAPI(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: constants.DocsRoute,
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("OpenAPI document not found, /docs/api/v1 disabled")
	}

	rlCfg := ratelimit.LoadConfig()
	if rlCfg.Backend == "redis" && cacheErr != nil {
		log.Warn("[RateLimit] cache unavailable, falling back to in-memory limiters")
		rlCfg.Backend = "memory"
	}
	deps := router.Deps{
		Repos:                repos,
		Verifier:             verifier,
		Billing:              billingService,
		WebhookSecret:        billing.LoadStripeConfig().WebhookSecret,
		Crawler:              crawl,
		SessionLimiter:       newSessionLimiter(rlCfg),
		APIRequestsPerMinute: env.GetEnvInt("API_RATE_LIMIT", 120),
		MetricsUser:          env.GetEnv("METRICS_USER", "admin"),
		MetricsPassword:      env.GetEnv("METRICS_PASSWORD", ""),
	}
	if manager != nil {
		deps.Queue = manager.GetQueue()
	}
	if rlCfg.Backend == "redis" {
		deps.APIStorage = cache.NewFiberStorage(cache.LimiterDB)
	}
	router.InstallRouter(app, deps)

	return app, func() {
		if manager != nil {
			manager.Stop()
		}
		if sentryEnabled {
			sentryutil.Flush()
		}
	}
}

func newBillingService() *billing.Service {
	var opts []billing.Option
	gateway, err := billing.NewStripeGateway(billing.LoadStripeConfig())
	if err != nil {
		log.Warnf("[Billing] Stripe API disabled: %v", err)
	} else {
		opts = append(opts, billing.WithSubscriptionFetcher(gateway), billing.WithCheckoutProvider(gateway))
	}
	return billing.NewServiceFromDB(database.GetDB(), entitlements.DefaultRegistry(), opts...)
}

func newSessionLimiter(cfg ratelimit.Config) ratelimit.Limiter {
	if cfg.Backend == "redis" {
		return ratelimit.NewRedisLimiter(cache.GetClient(), "ratelimit:chat_sessions", cfg.Limit, cfg.Window)
	}
	return ratelimit.NewMemoryLimiter(cfg.Limit, cfg.Window)
}

func newCrawlJobManager(crawl *crawler.Crawler) *jobqueue.Manager {
	var store archive.Store
	cfg, err := archive.LoadConfig()
	switch {
	case err != nil:
		log.Errorf("[Archive] %v", err)
	case cfg.Enabled:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := archive.NewClient(ctx, cfg)
		cancel()
		if err != nil {
			log.Errorf("[Archive] crawl archive disabled: %v", err)
		} else {
			store = client
		}
	}

	queue := jobqueue.NewQueue(cache.GetClient(), env.GetEnvInt("CRAWL_QUEUE_WORKERS", jobqueue.DefaultWorkers))
	queue.Handle(jobqueue.JobTypeCrawl, jobqueue.NewCrawlProcessor(crawl, store).Process)
	return jobqueue.NewManager(queue, 0)
}

func findOpenAPI() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		path := base + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
