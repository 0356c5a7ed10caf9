package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatforge-app/chatforge/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	// UpsertSubscription writes sub keyed on user_id unless the stored record
	// carries a newer LastEventAt. applied is false when the write was skipped.
	UpsertSubscription(ctx context.Context, sub *models.Subscription) (applied bool, err error)
	// UpdateSubscriptionStatus changes status (and expires_at when non-nil) of
	// the record backed by subscriptionID, under the same watermark rule.
	// applied is false when no row qualified.
	UpdateSubscriptionStatus(ctx context.Context, userID, subscriptionID, status string, expiresAt *time.Time, eventAt time.Time) (applied bool, err error)
	// CreatePendingSubscription inserts sub, or replaces an existing record that
	// is not backed by a live paid subscription.
	CreatePendingSubscription(ctx context.Context, sub *models.Subscription) (applied bool, err error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

var subscriptionUpdateColumns = []string{
	"plan",
	"status",
	"price",
	"bots_limit",
	"conversations_limit",
	"stripe_subscription_id",
	"started_at",
	"expires_at",
	"last_event_at",
	"updated_at",
}

// Statuses a pending checkout may overwrite.
var replaceableStatuses = []string{
	models.BillingStatusPending,
	models.BillingStatusCanceled,
	models.BillingStatusIncomplete,
}

func (r *gormRepository) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) FindUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	if r.isMySQL() {
		return r.lockedWrite(ctx, sub.UserID, func(tx *gorm.DB, existing *models.Subscription) (bool, error) {
			if existing == nil {
				return true, tx.Create(sub).Error
			}
			if isStale(existing.LastEventAt, sub.LastEventAt) {
				return false, nil
			}
			return true, tx.Model(existing).Select(subscriptionUpdateColumns).Updates(sub).Error
		})
	}

	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(subscriptionUpdateColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "subscriptions.last_event_at IS NULL OR excluded.last_event_at IS NULL OR subscriptions.last_event_at <= excluded.last_event_at"},
		}},
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateSubscriptionStatus(ctx context.Context, userID, subscriptionID, status string, expiresAt *time.Time, eventAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":        status,
		"last_event_at": eventAt,
		"updated_at":    time.Now().UTC(),
	}
	if expiresAt != nil {
		updates["expires_at"] = *expiresAt
	}
	tx := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND stripe_subscription_id = ?", userID, subscriptionID).
		Where("last_event_at IS NULL OR last_event_at <= ?", eventAt).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreatePendingSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	if r.isMySQL() {
		return r.lockedWrite(ctx, sub.UserID, func(tx *gorm.DB, existing *models.Subscription) (bool, error) {
			if existing == nil {
				return true, tx.Create(sub).Error
			}
			if !isReplaceable(existing) {
				return false, nil
			}
			sub.LastEventAt = existing.LastEventAt
			return true, tx.Model(existing).Select(subscriptionUpdateColumns).Updates(sub).Error
		})
	}

	// last_event_at is left alone so later webhooks still compare against the
	// newest provider event.
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"status",
			"price",
			"bots_limit",
			"conversations_limit",
			"stripe_subscription_id",
			"started_at",
			"expires_at",
			"updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "subscriptions.plan = ? OR subscriptions.status IN ?",
				Vars: []interface{}{"free", replaceableStatuses},
			},
		}},
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) isMySQL() bool {
	return r.db.Dialector.Name() == "mysql"
}

// lockedWrite runs fn inside a transaction holding a row lock on the user's
// subscription. MySQL cannot express a conditional upsert, so the
// read-then-write pair is serialized per user instead.
func (r *gormRepository) lockedWrite(ctx context.Context, userID string, fn func(tx *gorm.DB, existing *models.Subscription) (bool, error)) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			applied, err = fn(tx, nil)
		case err != nil:
			return err
		default:
			applied, err = fn(tx, &existing)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func isStale(stored, incoming *time.Time) bool {
	return stored != nil && incoming != nil && stored.After(*incoming)
}

func isReplaceable(sub *models.Subscription) bool {
	if sub.Plan == "free" {
		return true
	}
	for _, s := range replaceableStatuses {
		if sub.Status == s {
			return true
		}
	}
	return false
}
