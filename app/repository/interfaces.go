package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	GetByID(id string) (*models.User, error)
	// Sync creates the user on first sight and keeps email and role in step
	// with the identity provider.
	Sync(id, email, role string) (*models.User, error)
}

// ChatSessionLogRepository defines the interface for chat session log operations
type ChatSessionLogRepository interface {
	Create(entry *models.ChatSessionLog) error
	ListBySession(botID, sessionID string) ([]models.ChatSessionLog, error)
	CountByBotSince(botID string, since time.Time) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User           UserRepository
	ChatSessionLog ChatSessionLogRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:           NewUserRepository(db),
		ChatSessionLog: NewChatSessionLogRepository(db),
	}
}
