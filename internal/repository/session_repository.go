package repository

import (
	"context"
	"errors"
	"fmt"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"gorm.io/gorm"
)

// SessionRepository persists session identity, ownership and the last known active flag.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.WhatsAppSession) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session %s: %w", s.SessionID, err)
	}
	return nil
}

// Get returns the session by its public id, or errs.ErrSessionNotFound.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.WhatsAppSession, error) {
	var s models.WhatsAppSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOwned returns the session only when it belongs to userID.
func (r *SessionRepository) GetOwned(ctx context.Context, sessionID string, userID uint) (*models.WhatsAppSession, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, errs.ErrForbidden
	}
	return s, nil
}

func (r *SessionRepository) ListAll(ctx context.Context) ([]models.WhatsAppSession, error) {
	var out []models.WhatsAppSession
	err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *SessionRepository) ListByOwner(ctx context.Context, userID uint) ([]models.WhatsAppSession, error) {
	var out []models.WhatsAppSession
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (r *SessionRepository) CountByOwner(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.WhatsAppSession{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *SessionRepository) UpdateActive(ctx context.Context, sessionID string, active bool) error {
	return r.update(ctx, sessionID, map[string]interface{}{"is_active": active})
}

func (r *SessionRepository) UpdateDescription(ctx context.Context, sessionID, description string) error {
	return r.update(ctx, sessionID, map[string]interface{}{"description": description})
}

// UpdateDevice records the paired device so the shared credential store can find it again.
func (r *SessionRepository) UpdateDevice(ctx context.Context, sessionID, deviceJID string) error {
	return r.update(ctx, sessionID, map[string]interface{}{"device_jid": deviceJID})
}

func (r *SessionRepository) update(ctx context.Context, sessionID string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.WhatsAppSession{}).Where("session_id = ?", sessionID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrSessionNotFound
	}
	return nil
}

// Delete removes the session row. Deleting a missing row reports errs.ErrSessionNotFound.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.WhatsAppSession{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrSessionNotFound
	}
	return nil
}
