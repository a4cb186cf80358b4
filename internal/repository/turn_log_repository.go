package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"careerbot/internal/model"
)

type TurnLogRepository struct {
	db *gorm.DB
}

func NewTurnLogRepository(db *gorm.DB) *TurnLogRepository {
	return &TurnLogRepository{db: db}
}

func (r *TurnLogRepository) Create(ctx context.Context, entry *model.TurnLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create turn log failed: %w", err)
	}
	return nil
}
