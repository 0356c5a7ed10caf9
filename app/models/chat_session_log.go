package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ChatEventStarted = "started"
	ChatEventMessage = "message"
	ChatEventEnded   = "ended"
)

// ChatSessionLog records widget conversation lifecycle events.
type ChatSessionLog struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BotID     string    `gorm:"type:varchar(191);not null;index:idx_chat_session_logs_bot_session,priority:1" json:"bot_id"`
	SessionID string    `gorm:"type:varchar(191);not null;index:idx_chat_session_logs_bot_session,priority:2" json:"session_id"`
	Event     string    `gorm:"type:varchar(20);not null" json:"event"`
	VisitorID string    `gorm:"type:varchar(191);default:''" json:"visitor_id,omitempty"`
	ClientKey string    `gorm:"type:varchar(191);default:''" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (l *ChatSessionLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}
