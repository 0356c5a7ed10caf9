package repository

import (
	"strings"

	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id string) (*models.User, error) {
	var user models.User
	err := r.db.Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Sync(id, email, role string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if role != models.ROLE_ADMIN {
		role = models.ROLE_USER
	}

	want := models.User{ID: id, Email: email, Role: role}
	if err := want.Validate(); err != nil {
		return nil, err
	}

	var user models.User
	err := r.db.Where(models.User{ID: id}).
		Attrs(models.User{Email: email, Role: role}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}

	if user.Email != email || user.Role != role {
		if err := r.db.Model(&user).Updates(map[string]interface{}{"email": email, "role": role}).Error; err != nil {
			return nil, err
		}
		user.Email = email
		user.Role = role
	}
	return &user, nil
}
