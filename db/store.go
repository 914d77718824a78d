package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cobaltlane/bridgebot/db/models"
	"github.com/cobaltlane/bridgebot/thread"
)

// Store is the relational persistence collaborator for thread state:
// thread-level config overrides, the durable message cache, and user-level
// preference defaults.
type Store struct {
	db *gorm.DB
}

// Compile-time interface satisfaction check.
var _ thread.Store = (*Store)(nil)

func NewStore(gdb *gorm.DB) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("nil db")
	}
	return &Store{db: gdb}, nil
}

// GetThreadConfig returns the stored override map for a thread, or nil when
// none has been saved.
func (s *Store) GetThreadConfig(ctx context.Context, threadKey string) (map[string]any, error) {
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return nil, fmt.Errorf("thread_key is required")
	}
	var row models.ThreadConfig
	err := s.db.WithContext(ctx).Where("thread_key = ?", threadKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any(row.Config), nil
}

// SaveThreadConfig upserts the whole override map for a thread.
func (s *Store) SaveThreadConfig(ctx context.Context, threadKey string, cfg map[string]any) error {
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return fmt.Errorf("thread_key is required")
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	row := models.ThreadConfig{
		ThreadKey: threadKey,
		Config:    datatypes.JSONMap(cfg),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
		}).
		Create(&row).Error
}

// GetCachedMessages returns a thread's stored messages in insertion order.
// When limit > 0, only the most recent limit messages are returned (still
// oldest-first, so they splice directly into the context window).
func (s *Store) GetCachedMessages(ctx context.Context, threadKey string, limit int) ([]thread.CachedMessage, error) {
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return nil, fmt.Errorf("thread_key is required")
	}
	q := s.db.WithContext(ctx).
		Where("thread_key = ?", threadKey).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.CachedMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]thread.CachedMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		out = append(out, thread.CachedMessage{
			Role:      row.Role,
			Content:   row.Content,
			MessageTS: row.MessageTS,
			Metadata:  map[string]any(row.Metadata),
		})
	}
	return out, nil
}

// CacheMessage appends one message to the durable cache.
func (s *Store) CacheMessage(ctx context.Context, threadKey, role, content, messageTS string, metadata map[string]any) error {
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return fmt.Errorf("thread_key is required")
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("role is required")
	}
	row := models.CachedMessage{
		ThreadKey: threadKey,
		Role:      role,
		Content:   content,
		MessageTS: strings.TrimSpace(messageTS),
	}
	if metadata != nil {
		row.Metadata = datatypes.JSONMap(metadata)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// GetUserPreferences returns a user's stored defaults, or nil when the user
// has none.
func (s *Store) GetUserPreferences(ctx context.Context, userID string) (map[string]any, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	var row models.UserPreference
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any(row.Preferences), nil
}

// SaveUserPreferences upserts a user's default generation parameters.
func (s *Store) SaveUserPreferences(ctx context.Context, userID string, prefs map[string]any) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if prefs == nil {
		prefs = map[string]any{}
	}
	row := models.UserPreference{
		UserID:      userID,
		Preferences: datatypes.JSONMap(prefs),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"preferences", "updated_at"}),
		}).
		Create(&row).Error
}
