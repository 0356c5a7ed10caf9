package billing

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/internal/pkg/entitlements"
)

// planForSubscription resolves the first subscription item whose price, then
// product, is in the registry.
func planForSubscription(reg *entitlements.Registry, sub *stripe.Subscription) (entitlements.PlanDefinition, bool) {
	if sub == nil || sub.Items == nil {
		return entitlements.PlanDefinition{}, false
	}
	for _, item := range sub.Items.Data {
		if p, ok := planForPrice(reg, item.Price); ok {
			return p, true
		}
	}
	return entitlements.PlanDefinition{}, false
}

func planForPrice(reg *entitlements.Registry, price *stripe.Price) (entitlements.PlanDefinition, bool) {
	if price == nil {
		return entitlements.PlanDefinition{}, false
	}
	if p, ok := reg.GetPlanByPriceID(price.ID); ok {
		return p, true
	}
	if price.Product != nil {
		return reg.GetPlanByProductID(price.Product.ID)
	}
	return entitlements.PlanDefinition{}, false
}

// normalizeStatus folds provider statuses into the local vocabulary. Statuses
// we do not know are treated as non-entitling.
func normalizeStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case models.BillingStatusActive,
		models.BillingStatusTrialing,
		models.BillingStatusPastDue,
		models.BillingStatusCanceled,
		models.BillingStatusUnpaid,
		models.BillingStatusIncomplete,
		models.BillingStatusPending:
		return s
	case "incomplete_expired":
		return models.BillingStatusCanceled
	case "":
		return models.BillingStatusPending
	default:
		return models.BillingStatusIncomplete
	}
}

func epochToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

// invoicePeriodEnd returns the latest line item period end, falling back to
// the invoice period.
func invoicePeriodEnd(inv *stripe.Invoice) *time.Time {
	var end int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > end {
				end = line.Period.End
			}
		}
	}
	if end == 0 {
		end = inv.PeriodEnd
	}
	return epochToTime(end)
}
