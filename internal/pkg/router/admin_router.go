package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chatforge-app/chatforge/app/controllers"
	"github.com/chatforge-app/chatforge/internal/pkg/constants"
	"github.com/chatforge-app/chatforge/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Deps
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group(constants.AdminPrefix, middleware.Authenticate(h.deps.Verifier, h.deps.Repos.User), middleware.RequireAdmin)

	sc := controllers.NewScrapeController(h.deps.Crawler, h.deps.Queue)
	adminGroup.Post(constants.ScrapeRoute, sc.HandleScrape)
	adminGroup.Post(constants.ScrapeJobsRoute, sc.HandleEnqueue)
	adminGroup.Get(constants.ScrapeJobRoute, sc.HandleGetJob)
	adminGroup.Get(constants.ScrapeStatsRoute, sc.HandleStats)

	cc := controllers.NewChatSessionController(h.deps.Repos.ChatSessionLog, h.deps.Billing)
	adminGroup.Get(constants.BotSessionRoute, cc.HandleGetSession)
	adminGroup.Get(constants.BotUsageRoute, cc.HandleUsage)
}

func NewAdminRouter(deps Deps) *AdminRouter {
	return &AdminRouter{deps: deps}
}
