package repository

import (
	"context"
	"errors"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// BalanceRepository user balances; a nil chainID addresses the unified row
type BalanceRepository interface {
	Get(ctx context.Context, user, asset string, chainID *int64) (*models.UserBalance, error)
	Upsert(ctx context.Context, user, asset string, chainID *int64, balance models.Amount) (*models.UserBalance, error)
	ListByUser(ctx context.Context, user string) ([]*models.UserBalance, error)
	ListByUserAsset(ctx context.Context, user, asset string) ([]*models.UserBalance, error)

	// SumClaims totals the per-chain user balances for one chain and asset.
	SumClaims(ctx context.Context, chainID int64, asset string) (models.Amount, error)
}

type balanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{db: db}
}

func scopeChain(db *gorm.DB, chainID *int64) *gorm.DB {
	if chainID == nil {
		return db.Where("chain_id IS NULL")
	}
	return db.Where("chain_id = ?", *chainID)
}

func (r *balanceRepository) Get(ctx context.Context, user, asset string, chainID *int64) (*models.UserBalance, error) {
	var balance models.UserBalance
	q := r.db.WithContext(ctx).Where("user_address = ? AND asset = ?", user, asset)
	if err := forUpdate(scopeChain(q, chainID)).First(&balance).Error; err != nil {
		return nil, notFound(err)
	}
	return &balance, nil
}

func (r *balanceRepository) Upsert(ctx context.Context, user, asset string, chainID *int64, amount models.Amount) (*models.UserBalance, error) {
	existing, err := r.Get(ctx, user, asset, chainID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		err := r.db.WithContext(ctx).
			Model(&models.UserBalance{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{"balance": amount, "updated_at": time.Now()}).Error
		if err != nil {
			return nil, err
		}
		existing.Balance = amount
		return existing, nil
	}

	created := &models.UserBalance{
		UserAddress: user,
		Asset:       asset,
		ChainID:     chainID,
		Balance:     amount,
	}
	if err := r.db.WithContext(ctx).Create(created).Error; err != nil {
		return nil, err
	}
	return created, nil
}

func (r *balanceRepository) ListByUser(ctx context.Context, user string) ([]*models.UserBalance, error) {
	var balances []*models.UserBalance
	err := r.db.WithContext(ctx).
		Where("user_address = ?", user).
		Order("asset ASC").
		Find(&balances).Error
	return balances, err
}

func (r *balanceRepository) ListByUserAsset(ctx context.Context, user, asset string) ([]*models.UserBalance, error) {
	var balances []*models.UserBalance
	err := r.db.WithContext(ctx).
		Where("user_address = ? AND asset = ?", user, asset).
		Find(&balances).Error
	return balances, err
}

func (r *balanceRepository) SumClaims(ctx context.Context, chainID int64, asset string) (models.Amount, error) {
	var rows []models.UserBalance
	err := r.db.WithContext(ctx).
		Select("balance").
		Where("chain_id = ? AND asset = ?", chainID, asset).
		Find(&rows).Error
	if err != nil {
		return models.Amount{}, err
	}

	amounts := make([]models.Amount, 0, len(rows))
	for _, row := range rows {
		amounts = append(amounts, row.Balance)
	}
	return models.SumAmounts(amounts...)
}
