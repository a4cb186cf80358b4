package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"careerbot/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// ListBySessionID pages through a session in conversation order. A non-zero
// cursor is the id of the last message of the previous page.
func (r *MessageRepository) ListBySessionID(ctx context.Context, sessionID uint, limit int, cursor uint) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if cursor != 0 {
		var anchor model.Message
		if err := r.db.WithContext(ctx).Where("id = ? AND session_id = ?", cursor, sessionID).First(&anchor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return []model.Message{}, nil
			}
			return nil, fmt.Errorf("load message cursor failed: %w", err)
		}
		query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	var messages []model.Message
	if err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentBySessionID returns the newest limit messages of a session in
// ascending order. excludeID, when non-zero, is left out of the window.
func (r *MessageRepository) ListRecentBySessionID(ctx context.Context, sessionID uint, limit int, excludeID uint) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}

	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}

	var messages []model.Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) LastBySessionID(ctx context.Context, sessionID uint) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last message failed: %w", err)
	}
	return &message, nil
}

// CountBySessionIDs returns message counts keyed by session id. Sessions
// without messages are absent from the map.
func (r *MessageRepository) CountBySessionIDs(ctx context.Context, sessionIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		SessionID uint
		Total     int64
	}
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select("session_id, COUNT(*) AS total").
		Where("session_id IN ?", sessionIDs).
		Group("session_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count messages failed: %w", err)
	}
	for _, row := range rows {
		counts[row.SessionID] = row.Total
	}
	return counts, nil
}
