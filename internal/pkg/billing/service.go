package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
)

// SubscriptionFetcher loads a subscription with its items when an event only
// references it by id.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// Service reconciles provider events into subscription records. It is the only
// writer of models.Subscription.
type Service struct {
	repo     Repository
	plans    *entitlements.Registry
	fetcher  SubscriptionFetcher
	checkout CheckoutProvider
	now      func() time.Time
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

func WithSubscriptionFetcher(f SubscriptionFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func WithCheckoutProvider(p CheckoutProvider) Option {
	return func(s *Service) { s.checkout = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, plans *entitlements.Registry, opts ...Option) *Service {
	s := &Service{repo: repo, plans: plans, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, plans *entitlements.Registry, opts ...Option) *Service {
	return NewService(NewRepository(db), plans, opts...)
}

// Plans exposes the registry the service resolves against.
func (s *Service) Plans() *entitlements.Registry {
	return s.plans
}

// HandleCheckoutCompleted links the Stripe customer to the user named by
// client_reference_id and records the purchased plan.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, meta EventMeta, sess *stripe.CheckoutSession) (Outcome, error) {
	cust := customerID(sess.Customer)
	user, err := s.resolveUser(ctx, sess.ClientReferenceID, cust)
	if err != nil {
		return "", err
	}
	if user == nil {
		log.Infof("[Billing] %s %s: no user for reference %q / customer %q", meta.Type, meta.ID, sess.ClientReferenceID, cust)
		return OutcomeNoop, nil
	}
	if err := s.linkCustomer(ctx, user, cust); err != nil {
		return "", err
	}

	sub, err := s.checkoutSubscription(ctx, sess)
	if err != nil {
		return "", err
	}

	plan, ok := planForSubscription(s.plans, sub)
	if !ok && (sub == nil || sub.Items == nil) {
		// Without line items the plan chosen at checkout creation is all we have.
		plan, ok = s.plans.GetPlanBySlug(sess.Metadata["plan"])
	}
	if !ok {
		log.Warnf("[Billing] %s %s: unknown plan for user %s, applying free limits", meta.Type, meta.ID, user.ID)
		plan = s.plans.Free()
	}

	status := models.BillingStatusPending
	overrides := entitlements.SubscriptionOverrides{Status: &status}
	if sub != nil {
		if sub.Status != "" {
			status = normalizeStatus(string(sub.Status))
		}
		if sub.ID != "" {
			id := sub.ID
			overrides.StripeSubscriptionID = &id
		}
		overrides.StartedAt = periodStart(sub)
		overrides.ExpiresAt = epochToTime(sub.CurrentPeriodEnd)
	}
	return s.apply(ctx, meta, user.ID, plan, overrides)
}

// HandleSubscriptionChanged mirrors a created or updated subscription.
func (s *Service) HandleSubscriptionChanged(ctx context.Context, meta EventMeta, sub *stripe.Subscription) (Outcome, error) {
	cust := customerID(sub.Customer)
	user, err := s.resolveUser(ctx, sub.Metadata["user_id"], cust)
	if err != nil {
		return "", err
	}
	if user == nil {
		log.Infof("[Billing] %s %s: no user for customer %q", meta.Type, meta.ID, cust)
		return OutcomeNoop, nil
	}
	if err := s.linkCustomer(ctx, user, cust); err != nil {
		return "", err
	}

	plan, ok := planForSubscription(s.plans, sub)
	if !ok {
		log.Warnf("[Billing] %s %s: unknown price on subscription %s, applying free limits", meta.Type, meta.ID, sub.ID)
		plan = s.plans.Free()
	}

	status := normalizeStatus(string(sub.Status))
	id := sub.ID
	return s.apply(ctx, meta, user.ID, plan, entitlements.SubscriptionOverrides{
		Status:               &status,
		StripeSubscriptionID: &id,
		StartedAt:            periodStart(sub),
		ExpiresAt:            epochToTime(sub.CurrentPeriodEnd),
	})
}

// HandleSubscriptionDeleted resets the user to the free plan regardless of
// what they had before.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, meta EventMeta, sub *stripe.Subscription) (Outcome, error) {
	cust := customerID(sub.Customer)
	user, err := s.resolveUser(ctx, sub.Metadata["user_id"], cust)
	if err != nil {
		return "", err
	}
	if user == nil {
		log.Infof("[Billing] %s %s: no user for customer %q", meta.Type, meta.ID, cust)
		return OutcomeNoop, nil
	}

	status := models.BillingStatusCanceled
	return s.apply(ctx, meta, user.ID, s.plans.Free(), entitlements.SubscriptionOverrides{Status: &status})
}

// HandleInvoicePaymentSucceeded reactivates the subscription and moves the
// expiry to the end of the paid period.
func (s *Service) HandleInvoicePaymentSucceeded(ctx context.Context, meta EventMeta, inv *stripe.Invoice) (Outcome, error) {
	return s.updateStatusFromInvoice(ctx, meta, inv, models.BillingStatusActive, invoicePeriodEnd(inv))
}

// HandleInvoicePaymentFailed marks the subscription past due. Plan and limits
// are left as they are; dunning decides when access ends.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, meta EventMeta, inv *stripe.Invoice) (Outcome, error) {
	return s.updateStatusFromInvoice(ctx, meta, inv, models.BillingStatusPastDue, nil)
}

func (s *Service) updateStatusFromInvoice(ctx context.Context, meta EventMeta, inv *stripe.Invoice, status string, expiresAt *time.Time) (Outcome, error) {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		log.Debugf("[Billing] %s %s: invoice %s is not for a subscription", meta.Type, meta.ID, inv.ID)
		return OutcomeNoop, nil
	}
	cust := customerID(inv.Customer)
	user, err := s.resolveUser(ctx, "", cust)
	if err != nil {
		return "", err
	}
	if user == nil {
		log.Infof("[Billing] %s %s: no user for customer %q", meta.Type, meta.ID, cust)
		return OutcomeNoop, nil
	}

	subID := inv.Subscription.ID
	applied, err := s.repo.UpdateSubscriptionStatus(ctx, user.ID, subID, status, expiresAt, meta.Created.UTC())
	if err != nil {
		return "", fmt.Errorf("update subscription status for user %s: %w", user.ID, err)
	}
	if applied {
		return OutcomeApplied, nil
	}

	current, err := s.repo.GetSubscription(ctx, user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[Billing] %s %s: user %s has no subscription record", meta.Type, meta.ID, user.ID)
			return OutcomeNoop, nil
		}
		return "", err
	}
	if current.StripeSubscriptionID == nil || *current.StripeSubscriptionID != subID {
		log.Infof("[Billing] %s %s: invoice is for %s, record for user %s is not", meta.Type, meta.ID, subID, user.ID)
		return OutcomeNoop, nil
	}
	log.Infof("[Billing] %s %s: skipped, record for user %s is newer", meta.Type, meta.ID, user.ID)
	return OutcomeStale, nil
}

// GetSubscription returns the user's record, or nil when none exists.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sub, err
}

// RecordWebhookEvent persists verified webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

func (s *Service) apply(ctx context.Context, meta EventMeta, userID string, plan entitlements.PlanDefinition, overrides entitlements.SubscriptionOverrides) (Outcome, error) {
	eventAt := meta.Created.UTC()
	payload := entitlements.BuildSubscriptionPayload(plan, overrides, eventAt)
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
		LastEventAt:          &eventAt,
	}

	applied, err := s.repo.UpsertSubscription(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("upsert subscription for user %s: %w", userID, err)
	}
	if !applied {
		log.Infof("[Billing] %s %s: skipped, record for user %s is newer", meta.Type, meta.ID, userID)
		return OutcomeStale, nil
	}
	log.Infof("[Billing] %s %s: user %s now on %s (%s)", meta.Type, meta.ID, userID, rec.Plan, rec.Status)
	return OutcomeApplied, nil
}

// resolveUser tries the local user id first, then the Stripe customer. A miss
// on both returns nil without error.
func (s *Service) resolveUser(ctx context.Context, userID, customer string) (*models.User, error) {
	if id := strings.TrimSpace(userID); id != "" {
		user, err := s.repo.FindUserByID(ctx, id)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("find user %s: %w", id, err)
		}
	}
	if customer != "" {
		user, err := s.repo.FindUserByStripeCustomerID(ctx, customer)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("find user by customer %s: %w", customer, err)
		}
	}
	return nil, nil
}

func (s *Service) linkCustomer(ctx context.Context, user *models.User, customer string) error {
	if customer == "" || (user.StripeCustomerID != nil && *user.StripeCustomerID == customer) {
		return nil
	}
	if err := s.repo.SetStripeCustomerID(ctx, user.ID, customer); err != nil {
		return fmt.Errorf("link customer %s to user %s: %w", customer, user.ID, err)
	}
	user.StripeCustomerID = &customer
	return nil
}

// checkoutSubscription returns the session's subscription with items when it
// can be obtained.
func (s *Service) checkoutSubscription(ctx context.Context, sess *stripe.CheckoutSession) (*stripe.Subscription, error) {
	sub := sess.Subscription
	if sub == nil || sub.ID == "" || sub.Items != nil || s.fetcher == nil {
		return sub, nil
	}
	full, err := s.fetcher.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", sub.ID, err)
	}
	return full, nil
}

func periodStart(sub *stripe.Subscription) *time.Time {
	if t := epochToTime(sub.CurrentPeriodStart); t != nil {
		return t
	}
	return epochToTime(sub.StartDate)
}
