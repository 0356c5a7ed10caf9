package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ROLE_USER  = "user"
	ROLE_ADMIN = "admin"
)

// User is the local mirror of an identity issued by the external auth provider.
// ID is the provider's subject claim.
type User struct {
	ID               string    `gorm:"primaryKey;type:varchar(191)" json:"id" validate:"required,max=191"`
	Email            string    `gorm:"type:varchar(200);index" json:"email" validate:"omitempty,email,max=200"`
	Role             string    `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	StripeCustomerID *string   `gorm:"type:varchar(191);uniqueIndex;default:null" json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}
