package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"careerbot/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

// ListByUserID returns at most limit sessions, most recently updated first.
// A non-zero cursor is the id of the last session of the previous page.
func (r *SessionRepository) ListByUserID(ctx context.Context, userID uint, limit int, cursor uint) ([]model.ChatSession, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor != 0 {
		var anchor model.ChatSession
		if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", cursor, userID).First(&anchor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return []model.ChatSession{}, nil
			}
			return nil, fmt.Errorf("load session cursor failed: %w", err)
		}
		query = query.Where("updated_at < ? OR (updated_at = ? AND id < ?)", anchor.UpdatedAt, anchor.UpdatedAt, anchor.ID)
	}

	var sessions []model.ChatSession
	if err := query.Order("updated_at DESC").Order("id DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) GetByIDAndUserID(ctx context.Context, sessionID, userID uint) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

// UpdateTitle reports false when no session with that id belongs to the user.
func (r *SessionRepository) UpdateTitle(ctx context.Context, sessionID, userID uint, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Update("title", title)
	if res.Error != nil {
		return false, fmt.Errorf("update session title failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *SessionRepository) Touch(ctx context.Context, sessionID uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ?", sessionID).
		UpdateColumn("updated_at", at).Error
	if err != nil {
		return fmt.Errorf("touch session failed: %w", err)
	}
	return nil
}

// DeleteWithMessages removes the session and all of its messages in one
// transaction. It reports false when the session does not belong to the user.
func (r *SessionRepository) DeleteWithMessages(ctx context.Context, sessionID, userID uint) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&model.ChatSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("session_id = ?", sessionID).Delete(&model.Message{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("delete session failed: %w", err)
	}
	return deleted, nil
}
