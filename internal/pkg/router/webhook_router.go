package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chatforge-app/chatforge/app/controllers"
	"github.com/chatforge-app/chatforge/internal/pkg/constants"
)

// WebhookRouter serves provider callbacks. They carry no bearer token; the
// controller verifies the signature instead.
type WebhookRouter struct {
	deps Deps
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	bc := controllers.NewBillingController(h.deps.Billing, h.deps.Repos.User, h.deps.WebhookSecret)
	app.Group(constants.WebhookPrefix).Post(constants.BillingWebhookRoute, bc.HandleWebhook)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
