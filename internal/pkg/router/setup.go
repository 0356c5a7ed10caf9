package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route group on app.
func InstallRouter(app *fiber.App, deps Deps) {
	// The ops routes go first so /health never passes through API middleware.
	setup(app, NewOpsRouter(deps), NewWebhookRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
