package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatSession struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID string    `gorm:"column:user_id;not null;default:'';index" json:"user_id"`

	Title string `gorm:"column:title;not null;default:''" json:"title"`
	// TitleLocked marks the title as set from the first user message.
	// Subsequent messages never overwrite it.
	TitleLocked bool `gorm:"column:title_locked;not null;default:false" json:"title_locked"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatSession) TableName() string { return "chat_session" }
