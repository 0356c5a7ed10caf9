package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/chatforge-app/chatforge/app/controllers"
	"github.com/chatforge-app/chatforge/internal/pkg/constants"
	"github.com/chatforge-app/chatforge/internal/pkg/metrics"
)

type OpsRouter struct {
	deps Deps
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, controllers.HandleHealth)

	if h.deps.MetricsPassword == "" {
		log.Warn("[Router] METRICS_PASSWORD is empty, /metrics is not exposed")
		return
	}
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.deps.MetricsUser: h.deps.MetricsPassword,
		},
	}), metrics.Handler())
}

func NewOpsRouter(deps Deps) *OpsRouter {
	return &OpsRouter{deps: deps}
}
