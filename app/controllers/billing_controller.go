package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/billing"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
	"github.com/chatforge-app/chatforge/internal/pkg/metrics"
	"github.com/chatforge-app/chatforge/internal/pkg/sentryutil"
	"github.com/chatforge-app/chatforge/internal/pkg/usercontext"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// BillingController serves the webhook, checkout and subscription endpoints.
type BillingController struct {
	service       *billing.Service
	dispatcher    *billing.Dispatcher
	users         repository.UserRepository
	webhookSecret string
}

func NewBillingController(service *billing.Service, users repository.UserRepository, webhookSecret string) *BillingController {
	return &BillingController{
		service:       service,
		dispatcher:    billing.NewDispatcher(service),
		users:         users,
		webhookSecret: webhookSecret,
	}
}

// HandleWebhook verifies, records and applies one provider delivery. Any
// non-2xx answer makes the provider redeliver.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	if strings.TrimSpace(bc.webhookSecret) == "" {
		log.Error("[Billing] webhook received but STRIPE_WEBHOOK_SECRET is not set")
		return jsonError(c, fiber.StatusInternalServerError, "webhook_not_configured", "Webhook secret is not configured")
	}

	// c.Body is the raw request payload; it must not be re-encoded before verification.
	raw := c.Body()
	event, err := billing.VerifyWebhook(raw, c.Get(SignatureHeader), bc.webhookSecret)
	if err != nil {
		reason := billing.ReasonInvalidSignature
		var verr *billing.VerificationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		log.Warnf("[Billing] rejected webhook delivery: %s", reason)
		metrics.WebhookEvents.WithLabelValues("unverified", "rejected").Inc()
		return jsonError(c, fiber.StatusBadRequest, reason, "Webhook verification failed")
	}
	eventType := string(event.Type)

	ctx := c.UserContext()
	created, rec, err := bc.service.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       eventType,
		PayloadJSON:     string(raw),
	})
	if err != nil {
		return bc.internalError(c, eventType, "record webhook event", err)
	}
	if !created && rec.Succeeded() {
		log.Infof("[Billing] %s %s already processed, acknowledging", eventType, event.ID)
		metrics.WebhookEvents.WithLabelValues(eventType, string(billing.OutcomeDuplicate)).Inc()
		return c.JSON(fiber.Map{"received": true, "event_type": eventType})
	}

	outcome, dispatchErr := bc.dispatcher.Dispatch(ctx, event)
	if markErr := bc.service.MarkWebhookProcessed(ctx, rec.ID, dispatchErr); markErr != nil {
		log.Errorf("[Billing] failed to mark webhook %s processed: %v", event.ID, markErr)
	}
	if dispatchErr != nil {
		var perr *billing.PayloadError
		if errors.As(dispatchErr, &perr) {
			log.Warnf("[Billing] %s %s: %v", eventType, event.ID, dispatchErr)
			metrics.WebhookEvents.WithLabelValues(eventType, "rejected").Inc()
			return jsonError(c, fiber.StatusBadRequest, billing.ReasonMalformedPayload, "Event payload could not be decoded")
		}
		return bc.internalError(c, eventType, "process "+event.ID, dispatchErr)
	}

	metrics.WebhookEvents.WithLabelValues(eventType, string(outcome)).Inc()
	return c.JSON(fiber.Map{"received": true, "event_type": eventType})
}

func (bc *BillingController) internalError(c *fiber.Ctx, eventType, step string, err error) error {
	log.Errorf("[Billing] %s %s failed: %v", eventType, step, err)
	metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
	sentryutil.CaptureError(c, err, "billing webhook: "+step, map[string]interface{}{"event_type": eventType})
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Webhook processing failed")
}

type checkoutRequest struct {
	Plan string `json:"plan" validate:"required,max=32"`
}

// HandleCheckout opens a hosted checkout session for the caller.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Body must be JSON")
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	user, err := bc.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Unknown user")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load user")
	}

	url, err := bc.service.StartCheckout(c.UserContext(), user, req.Plan)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"url": url})
	case errors.Is(err, billing.ErrInvalidPlan):
		return jsonError(c, fiber.StatusBadRequest, "invalid_plan", "Unknown or non-purchasable plan")
	case errors.Is(err, billing.ErrCheckoutUnavailable):
		return jsonError(c, fiber.StatusServiceUnavailable, "checkout_unavailable", "Checkout is not configured")
	default:
		log.Errorf("[Billing] checkout for user %s failed: %v", user.ID, err)
		sentryutil.CaptureError(c, err, "checkout", nil)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to create checkout session")
	}
}

type planView struct {
	Slug               entitlements.Plan `json:"slug"`
	Price              string            `json:"price"`
	BotsLimit          int               `json:"bots_limit"`
	ConversationsLimit int               `json:"conversations_limit"`
	Purchasable        bool              `json:"purchasable"`
}

// HandlePlans lists the plan table in rank order.
func (bc *BillingController) HandlePlans(c *fiber.Ctx) error {
	defs := bc.service.Plans().All()
	out := make([]planView, 0, len(defs))
	for _, p := range defs {
		out = append(out, planView{
			Slug:               p.Slug,
			Price:              p.Price().StringFixed(2),
			BotsLimit:          p.BotsLimit,
			ConversationsLimit: p.ConversationsLimit,
			Purchasable:        p.IsPaid() && p.PriceID != "",
		})
	}
	return c.JSON(fiber.Map{"plans": out})
}

// HandleSubscription returns the caller's record and the limits it grants.
func (bc *BillingController) HandleSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	sub, err := bc.service.GetSubscription(c.UserContext(), userCtx.UserID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load subscription")
	}
	limits := bc.service.Plans().EffectiveLimits(sub)
	if sub == nil {
		return c.JSON(fiber.Map{"subscription": nil, "limits": limits})
	}
	return c.JSON(fiber.Map{
		"subscription": fiber.Map{
			"plan":                   sub.Plan,
			"status":                 sub.Status,
			"price":                  sub.Price.StringFixed(2),
			"bots_limit":             sub.BotsLimit,
			"conversations_limit":    sub.ConversationsLimit,
			"stripe_subscription_id": sub.StripeSubscriptionID,
			"started_at":             sub.StartedAt,
			"expires_at":             sub.ExpiresAt,
		},
		"limits": limits,
	})
}
