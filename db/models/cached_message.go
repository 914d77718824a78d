package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CachedMessage is one durable conversation message. Rows are append-only;
// the in-memory thread state is rebuilt from them after eviction or restart.
type CachedMessage struct {
	ID string `gorm:"primaryKey;type:text"`

	ThreadKey string `gorm:"type:text;not null;index"`

	// system|developer|user|assistant
	Role    string `gorm:"type:text;not null"`
	Content string `gorm:"type:text;not null"`

	// MessageTS is the platform message timestamp, when known.
	MessageTS string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:""`

	// Nanosecond resolution keeps insertion order stable for messages
	// cached within the same second.
	CreatedAt int64 `gorm:"autoCreateTime:nano;index"`
}

func (m *CachedMessage) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
