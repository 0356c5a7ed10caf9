package entitlements

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/internal/pkg/env"
)

type Plan string

const (
	PlanFree         Plan = "free"
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanExecutive    Plan = "executive"
	PlanEnterprise   Plan = "enterprise"
)

// UnlimitedSentinel stands in for "unlimited" so limits stay plain integers.
const UnlimitedSentinel = 999999

// PlanDefinition is the static description of a subscription tier.
type PlanDefinition struct {
	Slug               Plan   `json:"slug"`
	PriceCents         int64  `json:"price_cents"`
	BotsLimit          int    `json:"bots_limit"`
	ConversationsLimit int    `json:"conversations_limit"`
	PriceID            string `json:"-"`
	ProductID          string `json:"-"`
}

// Price returns the plan price in major units.
func (p PlanDefinition) Price() decimal.Decimal {
	return PriceFromCents(p.PriceCents)
}

// IsPaid reports whether the plan is sold through checkout.
func (p PlanDefinition) IsPaid() bool {
	return p.Slug != PlanFree
}

// ParsePlan normalizes a slug. ok is false for anything outside the closed set.
func ParsePlan(raw string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PlanFree, PlanStarter, PlanProfessional, PlanExecutive, PlanEnterprise:
		return p, true
	default:
		return "", false
	}
}

// Rank orders plans from least to most capable; unknown slugs rank as free.
func Rank(p Plan) int {
	switch p {
	case PlanStarter:
		return 1
	case PlanProfessional:
		return 2
	case PlanExecutive:
		return 3
	case PlanEnterprise:
		return 4
	default:
		return 0
	}
}

// Registry is an immutable lookup over the deployment's plan table.
type Registry struct {
	bySlug    map[Plan]PlanDefinition
	byPrice   map[string]PlanDefinition
	byProduct map[string]PlanDefinition
}

// NewRegistry validates defs and builds the reverse indexes. Every slug must be
// defined exactly once and billing identifiers must be unique across plans.
func NewRegistry(defs []PlanDefinition) (*Registry, error) {
	r := &Registry{
		bySlug:    make(map[Plan]PlanDefinition, len(defs)),
		byPrice:   make(map[string]PlanDefinition, len(defs)),
		byProduct: make(map[string]PlanDefinition, len(defs)),
	}
	for _, d := range defs {
		if _, ok := ParsePlan(string(d.Slug)); !ok {
			return nil, fmt.Errorf("unknown plan slug %q", d.Slug)
		}
		if d.PriceCents < 0 || d.BotsLimit < 0 || d.ConversationsLimit < 0 {
			return nil, fmt.Errorf("plan %s: price and limits must not be negative", d.Slug)
		}
		if _, dup := r.bySlug[d.Slug]; dup {
			return nil, fmt.Errorf("plan %s defined twice", d.Slug)
		}
		r.bySlug[d.Slug] = d

		if d.PriceID != "" {
			if other, dup := r.byPrice[d.PriceID]; dup {
				return nil, fmt.Errorf("price id %s shared by %s and %s", d.PriceID, other.Slug, d.Slug)
			}
			r.byPrice[d.PriceID] = d
		}
		if d.ProductID != "" {
			if other, dup := r.byProduct[d.ProductID]; dup {
				return nil, fmt.Errorf("product id %s shared by %s and %s", d.ProductID, other.Slug, d.Slug)
			}
			r.byProduct[d.ProductID] = d
		}
	}
	for _, slug := range []Plan{PlanFree, PlanStarter, PlanProfessional, PlanExecutive, PlanEnterprise} {
		if _, ok := r.bySlug[slug]; !ok {
			return nil, fmt.Errorf("plan %s is not defined", slug)
		}
	}
	return r, nil
}

// DefaultDefinitions returns the plan table with billing identifiers read from
// STRIPE_PRICE_<SLUG> and STRIPE_PRODUCT_<SLUG>.
func DefaultDefinitions() []PlanDefinition {
	defs := []PlanDefinition{
		{Slug: PlanFree, PriceCents: 0, BotsLimit: 1, ConversationsLimit: 60},
		{Slug: PlanStarter, PriceCents: 2900, BotsLimit: 3, ConversationsLimit: 750},
		{Slug: PlanProfessional, PriceCents: 7900, BotsLimit: 10, ConversationsLimit: 3000},
		{Slug: PlanExecutive, PriceCents: 19900, BotsLimit: 25, ConversationsLimit: 10000},
		{Slug: PlanEnterprise, PriceCents: 49900, BotsLimit: UnlimitedSentinel, ConversationsLimit: UnlimitedSentinel},
	}
	for i := range defs {
		if !defs[i].IsPaid() {
			continue
		}
		suffix := strings.ToUpper(string(defs[i].Slug))
		defs[i].PriceID = env.GetEnv("STRIPE_PRICE_"+suffix, "")
		defs[i].ProductID = env.GetEnv("STRIPE_PRODUCT_"+suffix, "")
	}
	return defs
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// DefaultRegistry builds the registry from the environment on first use.
// An invalid table is a deployment error and panics.
func DefaultRegistry() *Registry {
	registryOnce.Do(func() {
		r, err := NewRegistry(DefaultDefinitions())
		if err != nil {
			panic(fmt.Sprintf("invalid plan table: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// GetPlanBySlug returns false for unknown slugs.
func (r *Registry) GetPlanBySlug(slug string) (PlanDefinition, bool) {
	p, ok := ParsePlan(slug)
	if !ok {
		return PlanDefinition{}, false
	}
	d, ok := r.bySlug[p]
	return d, ok
}

func (r *Registry) GetPlanByPriceID(id string) (PlanDefinition, bool) {
	if id == "" {
		return PlanDefinition{}, false
	}
	d, ok := r.byPrice[id]
	return d, ok
}

func (r *Registry) GetPlanByProductID(id string) (PlanDefinition, bool) {
	if id == "" {
		return PlanDefinition{}, false
	}
	d, ok := r.byProduct[id]
	return d, ok
}

// Free returns the fail-safe plan.
func (r *Registry) Free() PlanDefinition {
	return r.bySlug[PlanFree]
}

// All returns every plan ordered by rank.
func (r *Registry) All() []PlanDefinition {
	out := make([]PlanDefinition, 0, len(r.bySlug))
	for _, d := range r.bySlug {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return Rank(out[i].Slug) < Rank(out[j].Slug) })
	return out
}

// SubscriptionPayload holds the computed fields of a subscription record.
type SubscriptionPayload struct {
	Plan                 Plan
	Status               string
	Price                decimal.Decimal
	BotsLimit            int
	ConversationsLimit   int
	StripeSubscriptionID *string
	StartedAt            time.Time
	ExpiresAt            *time.Time
}

// SubscriptionOverrides replaces individual defaults. Nil fields keep the default.
type SubscriptionOverrides struct {
	Status               *string
	StripeSubscriptionID *string
	StartedAt            *time.Time
	ExpiresAt            *time.Time
}

// BuildSubscriptionPayload fills the record defaults for plan: pending status,
// the plan price, the plan limits, started now, no expiry and no billing
// subscription. Overrides are applied last.
func BuildSubscriptionPayload(plan PlanDefinition, overrides SubscriptionOverrides, now time.Time) SubscriptionPayload {
	p := SubscriptionPayload{
		Plan:               plan.Slug,
		Status:             models.BillingStatusPending,
		Price:              plan.Price(),
		BotsLimit:          plan.BotsLimit,
		ConversationsLimit: plan.ConversationsLimit,
		StartedAt:          now.UTC(),
	}
	if overrides.Status != nil {
		p.Status = *overrides.Status
	}
	if overrides.StripeSubscriptionID != nil {
		id := *overrides.StripeSubscriptionID
		p.StripeSubscriptionID = &id
	}
	if overrides.StartedAt != nil {
		p.StartedAt = overrides.StartedAt.UTC()
	}
	if overrides.ExpiresAt != nil {
		t := overrides.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	return p
}

// Round2 rounds half away from zero to two decimal places. Prices are never
// negative so this is plain round-half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// PriceFromCents converts integer minor units to a two-place major-unit amount
// without passing through floating point.
func PriceFromCents(cents int64) decimal.Decimal {
	return Round2(decimal.New(cents, -2))
}

// Limits are the quotas currently granted to a user.
type Limits struct {
	Plan               Plan `json:"plan"`
	BotsLimit          int  `json:"bots_limit"`
	ConversationsLimit int  `json:"conversations_limit"`
}

// EffectiveLimits returns the record's limits while its status entitles the
// user, and the free plan's limits otherwise.
func (r *Registry) EffectiveLimits(sub *models.Subscription) Limits {
	free := r.Free()
	if sub == nil || !sub.IsEntitling() {
		return Limits{Plan: PlanFree, BotsLimit: free.BotsLimit, ConversationsLimit: free.ConversationsLimit}
	}
	plan, ok := ParsePlan(sub.Plan)
	if !ok {
		plan = PlanFree
	}
	return Limits{Plan: plan, BotsLimit: sub.BotsLimit, ConversationsLimit: sub.ConversationsLimit}
}
