package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	MessageRoleUser = "user"
	MessageRoleBot  = "bot"
)

type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;column:session_id;not null;index" json:"session_id"`

	Role    string `gorm:"column:role;not null;index" json:"role"`
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	// IsFileInfo marks linking messages whose content is a GeneratedFile id
	// rather than display text.
	IsFileInfo bool `gorm:"column:is_file_info;not null;default:false" json:"is_file_info"`
	// IsStopped marks a user message whose in-flight analysis was abandoned
	// client-side.
	IsStopped bool `gorm:"column:is_stopped;not null;default:false" json:"is_stopped"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_message" }
