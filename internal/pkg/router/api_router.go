package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/chatforge-app/chatforge/app/controllers"
	"github.com/chatforge-app/chatforge/internal/pkg/constants"
	"github.com/chatforge-app/chatforge/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	handlers := []fiber.Handler{}
	if h.deps.APIRequestsPerMinute > 0 {
		handlers = append(handlers, limiter.New(limiter.Config{
			Max:          h.deps.APIRequestsPerMinute,
			Expiration:   time.Minute,
			KeyGenerator: middleware.ClientKey,
			Storage:      h.deps.APIStorage,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
			},
		}))
	}
	handlers = append(handlers, middleware.Authenticate(h.deps.Verifier, h.deps.Repos.User))
	api := app.Group(constants.APIPrefix, handlers...)

	bc := controllers.NewBillingController(h.deps.Billing, h.deps.Repos.User, h.deps.WebhookSecret)
	api.Get(constants.PlansRoute, bc.HandlePlans)
	api.Post(constants.CheckoutRoute, middleware.RequireAuth, bc.HandleCheckout)
	api.Get(constants.SubscriptionRoute, middleware.RequireAuth, bc.HandleSubscription)

	cc := controllers.NewChatSessionController(h.deps.Repos.ChatSessionLog, nil)
	api.Post(constants.ChatSessionsRoute, middleware.RateLimit("chat_sessions", h.deps.SessionLimiter), cc.HandleLogEvent)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
