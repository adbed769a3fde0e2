package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
)

// SessionModel is the GORM model for the wizard_sessions table.
type SessionModel struct {
	Key       string          `gorm:"column:session_key;primaryKey;size:128"`
	Payload   json.RawMessage `gorm:"type:jsonb;not null"`
	ExpiresAt time.Time       `gorm:"not null;index"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

// TableName returns the table name for the GORM model.
func (SessionModel) TableName() string {
	return "wizard_sessions"
}

// GormSessionStorage is the PostgreSQL-backed session storage.
type GormSessionStorage struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormSessionStorage creates a new GormSessionStorage.
func NewGormSessionStorage(db *gorm.DB) *GormSessionStorage {
	return &GormSessionStorage{db: db, now: time.Now}
}

// AutoMigrate creates or updates the sessions table.
func (s *GormSessionStorage) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionModel{})
}

// Read returns the payload of an unexpired session.
func (s *GormSessionStorage) Read(ctx context.Context, key string) ([]byte, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND expires_at > ?", key, s.now().UTC()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wizard.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}
	return model.Payload, nil
}

// Write upserts the session row.
func (s *GormSessionStorage) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	model := SessionModel{
		Key:       key,
		Payload:   json.RawMessage(value),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to write session %s: %w", key, err)
	}
	return nil
}

// Remove deletes the session row.
func (s *GormSessionStorage) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("session_key = ?", key).Delete(&SessionModel{}).Error; err != nil {
		return fmt.Errorf("failed to remove session %s: %w", key, err)
	}
	return nil
}

// DeleteExpired purges expired rows and returns how many were removed.
func (s *GormSessionStorage) DeleteExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&SessionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection.
func (s *GormSessionStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
