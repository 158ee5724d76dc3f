package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DataSource registers a CSV dataset living in object storage so that chat
// requests can reference it by path.
type DataSource struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Name        string `gorm:"column:name;not null;index" json:"name"`
	ObjectKey   string `gorm:"column:object_key;not null;uniqueIndex" json:"object_key"`
	Description string `gorm:"column:description;type:text;not null;default:''" json:"description"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (DataSource) TableName() string { return "data_source" }
