package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusUnpaid     = "unpaid"
	BillingStatusIncomplete = "incomplete"
	BillingStatusPending    = "pending"
)

// Subscription is the single per-user subscription record. It is written only
// by the billing service.
type Subscription struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	UserID               string          `gorm:"type:varchar(191);not null;uniqueIndex" json:"user_id"`
	Plan                 string          `gorm:"type:varchar(32);not null;default:'free';index" json:"plan"`
	Status               string          `gorm:"type:varchar(32);not null;default:'pending'" json:"status"`
	Price                decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"price"`
	BotsLimit            int             `gorm:"not null;default:0" json:"bots_limit"`
	ConversationsLimit   int             `gorm:"not null;default:0" json:"conversations_limit"`
	StripeSubscriptionID *string         `gorm:"type:varchar(191);index;default:null" json:"stripe_subscription_id"`
	StartedAt            time.Time       `gorm:"not null" json:"started_at"`
	ExpiresAt            *time.Time      `gorm:"default:null" json:"expires_at"`
	LastEventAt          *time.Time      `gorm:"default:null" json:"-"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the status grants the plan's limits.
func (s *Subscription) IsEntitling() bool {
	switch s.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
