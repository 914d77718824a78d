package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ThreadConfig stores a thread's generation-parameter overrides. One row per
// thread key; the JSON blob is the whole override map, replaced on save.
type ThreadConfig struct {
	ID string `gorm:"primaryKey;type:text"`

	// ThreadKey is the composite "channel_id:thread_ts" identifier.
	ThreadKey string `gorm:"type:text;not null;uniqueIndex"`

	Config datatypes.JSONMap `gorm:"not null"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (c *ThreadConfig) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
