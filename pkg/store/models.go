package store

import (
	"time"

	"gorm.io/datatypes"
)

// UserModel is the users table.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// ConversationModel keeps the whole transcript in one jsonb column so a save
// is a single-row upsert.
type ConversationModel struct {
	ID        string         `gorm:"primaryKey"`
	OwnerID   string         `gorm:"not null;index:idx_conversation_owner_created,priority:1"`
	Title     string         `gorm:"not null"`
	Path      string         `gorm:"not null"`
	Messages  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt int64          `gorm:"not null;autoCreateTime:false;index:idx_conversation_owner_created,priority:2,sort:desc"`
	UpdatedAt time.Time      `gorm:"not null"`
}
