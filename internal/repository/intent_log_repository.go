package repository

import (
	"context"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// IntentLogRepository solver evaluation records
type IntentLogRepository interface {
	Create(ctx context.Context, log *models.IntentLog) error
	GetByID(ctx context.Context, id string) (*models.IntentLog, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	List(ctx context.Context, limit int) ([]*models.IntentLog, error)
}

type intentLogRepository struct {
	db *gorm.DB
}

func NewIntentLogRepository(db *gorm.DB) IntentLogRepository {
	return &intentLogRepository{db: db}
}

func (r *intentLogRepository) Create(ctx context.Context, log *models.IntentLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *intentLogRepository) GetByID(ctx context.Context, id string) (*models.IntentLog, error) {
	var log models.IntentLog
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&log).Error; err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

func (r *intentLogRepository) Update(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).
		Model(&models.IntentLog{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *intentLogRepository) List(ctx context.Context, limit int) ([]*models.IntentLog, error) {
	var logs []*models.IntentLog
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}
