package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
)

var (
	// ErrInvalidPlan means the slug is unknown or not purchasable.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrCheckoutUnavailable means no payment provider is configured.
	ErrCheckoutUnavailable = errors.New("checkout is not configured")
)

// CheckoutRequest is what the provider needs to open a hosted checkout page.
type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	Plan       entitlements.PlanDefinition
}

// CheckoutProvider creates hosted checkout sessions.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error)
}

// StartCheckout validates the requested plan, opens a checkout session for
// user and records a pending subscription.
func (s *Service) StartCheckout(ctx context.Context, user *models.User, slug string) (string, error) {
	plan, ok := s.plans.GetPlanBySlug(slug)
	if !ok || !plan.IsPaid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, slug)
	}
	if plan.PriceID == "" {
		return "", fmt.Errorf("%w: plan %s has no price id", ErrCheckoutUnavailable, plan.Slug)
	}
	if s.checkout == nil {
		return "", ErrCheckoutUnavailable
	}

	req := CheckoutRequest{UserID: user.ID, Email: user.Email, Plan: plan}
	if user.StripeCustomerID != nil {
		req.CustomerID = *user.StripeCustomerID
	}
	url, err := s.checkout.CreateCheckoutSession(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	if err := s.MarkCheckoutPending(ctx, user.ID, plan); err != nil {
		return "", err
	}
	return url, nil
}

// MarkCheckoutPending records that user started buying plan. A record backed
// by a live paid subscription is left untouched.
func (s *Service) MarkCheckoutPending(ctx context.Context, userID string, plan entitlements.PlanDefinition) error {
	payload := entitlements.BuildSubscriptionPayload(plan, entitlements.SubscriptionOverrides{}, s.now())
	rec := &models.Subscription{
		UserID:               userID,
		Plan:                 string(payload.Plan),
		Status:               payload.Status,
		Price:                payload.Price,
		BotsLimit:            payload.BotsLimit,
		ConversationsLimit:   payload.ConversationsLimit,
		StripeSubscriptionID: payload.StripeSubscriptionID,
		StartedAt:            payload.StartedAt,
		ExpiresAt:            payload.ExpiresAt,
	}
	applied, err := s.repo.CreatePendingSubscription(ctx, rec)
	if err != nil {
		return fmt.Errorf("record pending subscription for user %s: %w", userID, err)
	}
	if !applied {
		log.Infof("[Billing] user %s already has a live subscription, pending %s not recorded", userID, plan.Slug)
	}
	return nil
}
