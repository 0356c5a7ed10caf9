package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/chatforge-app/chatforge/app/models"
)

type chatSessionLogRepository struct {
	db *gorm.DB
}

func NewChatSessionLogRepository(db *gorm.DB) ChatSessionLogRepository {
	return &chatSessionLogRepository{db: db}
}

func (r *chatSessionLogRepository) Create(entry *models.ChatSessionLog) error {
	return r.db.Create(entry).Error
}

// ListBySession returns the events of one conversation, oldest first.
func (r *chatSessionLogRepository) ListBySession(botID, sessionID string) ([]models.ChatSessionLog, error) {
	var logs []models.ChatSessionLog
	err := r.db.Where("bot_id = ? AND session_id = ?", botID, sessionID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// CountByBotSince counts conversations started for a bot since the given time.
func (r *chatSessionLogRepository) CountByBotSince(botID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.ChatSessionLog{}).
		Where("bot_id = ? AND event = ? AND created_at >= ?", botID, models.ChatEventStarted, since.UTC()).
		Count(&count).Error
	return count, err
}
