package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserPreference stores a user's default generation parameters. They seed a
// new thread's overrides when the user starts a conversation.
type UserPreference struct {
	ID string `gorm:"primaryKey;type:text"`

	UserID string `gorm:"type:text;not null;uniqueIndex"`

	Preferences datatypes.JSONMap `gorm:"not null"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (p *UserPreference) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
