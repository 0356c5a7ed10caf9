package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/billing"
	"github.com/chatforge-app/chatforge/internal/pkg/database"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
	"github.com/chatforge-app/chatforge/internal/pkg/middleware"
)

const (
	testWebhookSecret = "whsec_controller_test"
	testJWTSecret     = "jwt-controller-test"
)

func testRegistry(t *testing.T) *entitlements.Registry {
	t.Helper()
	reg, err := entitlements.NewRegistry([]entitlements.PlanDefinition{
		{Slug: entitlements.PlanFree, PriceCents: 0, BotsLimit: 1, ConversationsLimit: 60},
		{Slug: entitlements.PlanStarter, PriceCents: 2900, BotsLimit: 3, ConversationsLimit: 750, PriceID: "price_starter", ProductID: "prod_starter"},
		{Slug: entitlements.PlanProfessional, PriceCents: 7900, BotsLimit: 10, ConversationsLimit: 3000, PriceID: "price_pro", ProductID: "prod_pro"},
		{Slug: entitlements.PlanExecutive, PriceCents: 19900, BotsLimit: 25, ConversationsLimit: 10000, PriceID: "price_exec", ProductID: "prod_exec"},
		{Slug: entitlements.PlanEnterprise, PriceCents: 49900, BotsLimit: entitlements.UnlimitedSentinel, ConversationsLimit: entitlements.UnlimitedSentinel, PriceID: "price_ent", ProductID: "prod_ent"},
	})
	require.NoError(t, err)
	return reg
}

type billingFixture struct {
	app      *fiber.App
	db       *gorm.DB
	verifier *auth.Verifier
}

func newBillingFixture(t *testing.T, secret string, opts ...billing.Option) *billingFixture {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(testJWTSecret)
	require.NoError(t, err)

	users := repository.NewUserRepository(db)
	svc := billing.NewServiceFromDB(db, testRegistry(t), opts...)
	bc := NewBillingController(svc, users, secret)

	app := fiber.New()
	app.Post("/webhooks/billing", bc.HandleWebhook)
	api := app.Group("/api", middleware.Authenticate(verifier, users))
	api.Get("/plans", bc.HandlePlans)
	api.Post("/billing/checkout", middleware.RequireAuth, bc.HandleCheckout)
	api.Get("/billing/subscription", middleware.RequireAuth, bc.HandleSubscription)

	return &billingFixture{app: app, db: db, verifier: verifier}
}

func (f *billingFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.verifier.Issue(userID, userID+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func signedWebhook(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(signed.Payload))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(SignatureHeader, signed.Header)
	return req
}

func eventJSON(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func jsonRequest(t *testing.T, method, path, token string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

type fakeCheckout struct {
	url string
	err error
	req billing.CheckoutRequest
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	f.req = req
	return f.url, f.err
}
