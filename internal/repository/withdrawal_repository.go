package repository

import (
	"context"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// WithdrawalRepository defines the interface for WithdrawalRequest data access
type WithdrawalRepository interface {
	Create(ctx context.Context, request *models.WithdrawalRequest) error
	GetByID(ctx context.Context, id string) (*models.WithdrawalRequest, error)

	// Transition applies updates only while the row is in one of from and
	// reports whether it did. Every status step goes through here.
	Transition(ctx context.Context, id string, from []models.WithdrawalStatus, updates map[string]any) (bool, error)

	FindByUser(ctx context.Context, user string, limit int) ([]*models.WithdrawalRequest, error)

	// FindStale returns requests in one of statuses not updated since before.
	FindStale(ctx context.Context, statuses []models.WithdrawalStatus, before time.Time, limit int) ([]*models.WithdrawalRequest, error)

	// SumReserved totals requests that still reserve (chainID, asset)
	// inventory, ignoring excludeID: destination claims of requests not yet
	// settled plus source claims of sponsored exits in flight.
	SumReserved(ctx context.Context, chainID int64, asset, excludeID string) (models.Amount, error)
}

type withdrawalRepository struct {
	db *gorm.DB
}

// NewWithdrawalRepository creates a new WithdrawalRepository instance
func NewWithdrawalRepository(db *gorm.DB) WithdrawalRepository {
	return &withdrawalRepository{db: db}
}

func (r *withdrawalRepository) Create(ctx context.Context, request *models.WithdrawalRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *withdrawalRepository) GetByID(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	var request models.WithdrawalRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, notFound(err)
	}
	return &request, nil
}

func (r *withdrawalRepository) Transition(ctx context.Context, id string, from []models.WithdrawalStatus, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawalRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *withdrawalRepository) FindByUser(ctx context.Context, user string, limit int) ([]*models.WithdrawalRequest, error) {
	var requests []*models.WithdrawalRequest
	q := r.db.WithContext(ctx).
		Where("user_address = ?", user).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&requests).Error
	return requests, err
}

func (r *withdrawalRepository) FindStale(ctx context.Context, statuses []models.WithdrawalStatus, before time.Time, limit int) ([]*models.WithdrawalRequest, error) {
	var requests []*models.WithdrawalRequest
	q := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&requests).Error
	return requests, err
}

func (r *withdrawalRepository) SumReserved(ctx context.Context, chainID int64, asset, excludeID string) (models.Amount, error) {
	var rows []models.WithdrawalRequest
	q := r.db.WithContext(ctx).
		Select("amount").
		Where("asset = ?", asset).
		Where(r.db.
			Where("destination_chain_id = ? AND status IN ?", chainID, models.DestinationReservingStatuses).
			Or("source_chain_id = ? AND status IN ?", chainID, models.SourceReservingStatuses))
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return models.Amount{}, err
	}

	amounts := make([]models.Amount, 0, len(rows))
	for _, row := range rows {
		amounts = append(amounts, row.Amount)
	}
	return models.SumAmounts(amounts...)
}
