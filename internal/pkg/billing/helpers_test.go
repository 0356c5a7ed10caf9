package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/internal/pkg/database"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func testPlans() []entitlements.PlanDefinition {
	return []entitlements.PlanDefinition{
		{Slug: entitlements.PlanFree, PriceCents: 0, BotsLimit: 1, ConversationsLimit: 60},
		{Slug: entitlements.PlanStarter, PriceCents: 2900, BotsLimit: 3, ConversationsLimit: 750, PriceID: "price_starter", ProductID: "prod_starter"},
		{Slug: entitlements.PlanProfessional, PriceCents: 7900, BotsLimit: 10, ConversationsLimit: 3000, PriceID: "price_pro", ProductID: "prod_pro"},
		{Slug: entitlements.PlanExecutive, PriceCents: 19900, BotsLimit: 25, ConversationsLimit: 10000, PriceID: "price_exec", ProductID: "prod_exec"},
		{Slug: entitlements.PlanEnterprise, PriceCents: 49900, BotsLimit: entitlements.UnlimitedSentinel, ConversationsLimit: entitlements.UnlimitedSentinel, PriceID: "price_ent", ProductID: "prod_ent"},
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	reg, err := entitlements.NewRegistry(testPlans())
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return baseTime })}, opts...)
	return NewServiceFromDB(db, reg, opts...), db
}

func createUser(t *testing.T, db *gorm.DB, id, customer string) *models.User {
	t.Helper()
	u := &models.User{ID: id, Email: id + "@example.com", Role: models.ROLE_USER}
	if customer != "" {
		u.StripeCustomerID = &customer
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func loadSubscription(t *testing.T, db *gorm.DB, userID string) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", userID).First(&sub).Error)
	return &sub
}

func newEvent(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func subscriptionObject(id, customer, status, priceID string, start, end time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":    "si_" + id,
					"price": map[string]interface{}{"id": priceID, "product": "prod_for_" + priceID},
				},
			},
		},
	}
}

func invoiceObject(id, customer, subscription string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"object":       "invoice",
		"customer":     customer,
		"subscription": subscription,
		"lines": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "il_" + id,
					"period": map[string]interface{}{"start": periodEnd.AddDate(0, -1, 0).Unix(), "end": periodEnd.Unix()},
				},
			},
		},
	}
}

type fakeFetcher struct {
	subs  map[string]*stripe.Subscription
	err   error
	calls int
}

func (f *fakeFetcher) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[id], nil
}
