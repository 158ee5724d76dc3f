package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	GeneratedFileTypePNG = "png"
	GeneratedFileTypeCSV = "csv"
)

type GeneratedFile struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;column:session_id;not null;index" json:"session_id"`

	OriginalPrompt string `gorm:"column:original_prompt;type:text;not null;default:''" json:"original_prompt"`
	FileType       string `gorm:"column:file_type;not null;index" json:"file_type"` // png|csv
	StoragePath    string `gorm:"column:storage_path;not null;default:''" json:"storage_path"`
	IntroMessage   string `gorm:"column:intro_message;type:text;not null;default:''" json:"intro_message"`

	// IsDeleted is a soft marker. The storage object is removed first; the
	// record survives so conversation history can render a placeholder.
	IsDeleted bool `gorm:"column:is_deleted;not null;default:false;index" json:"is_deleted"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (GeneratedFile) TableName() string { return "generated_file" }
