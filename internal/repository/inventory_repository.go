package repository

import (
	"context"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// InventoryRepository vault liquidity rows keyed by (chainId, asset)
type InventoryRepository interface {
	Get(ctx context.Context, chainID int64, asset string) (*models.VaultInventory, error)
	GetForUpdate(ctx context.Context, chainID int64, asset string) (*models.VaultInventory, error)
	Create(ctx context.Context, inv *models.VaultInventory) error

	// CompareAndSwapBalance stores balance and bumps the version only if the
	// row is still at expectedVersion.
	CompareAndSwapBalance(ctx context.Context, id string, expectedVersion uint64, balance models.Amount, vaultAddress string) (bool, error)

	ListByAsset(ctx context.Context, asset string) ([]*models.VaultInventory, error)
	List(ctx context.Context) ([]*models.VaultInventory, error)
}

type inventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepository{db: db}
}

func (r *inventoryRepository) Get(ctx context.Context, chainID int64, asset string) (*models.VaultInventory, error) {
	var inv models.VaultInventory
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND asset = ?", chainID, asset).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (r *inventoryRepository) GetForUpdate(ctx context.Context, chainID int64, asset string) (*models.VaultInventory, error) {
	var inv models.VaultInventory
	err := forUpdate(r.db.WithContext(ctx)).
		Where("chain_id = ? AND asset = ?", chainID, asset).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (r *inventoryRepository) Create(ctx context.Context, inv *models.VaultInventory) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *inventoryRepository) CompareAndSwapBalance(ctx context.Context, id string, expectedVersion uint64, balance models.Amount, vaultAddress string) (bool, error) {
	updates := map[string]any{
		"balance":    balance,
		"version":    expectedVersion + 1,
		"updated_at": time.Now(),
	}
	if vaultAddress != "" {
		updates["vault_address"] = vaultAddress
	}

	result := r.db.WithContext(ctx).
		Model(&models.VaultInventory{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *inventoryRepository) ListByAsset(ctx context.Context, asset string) ([]*models.VaultInventory, error) {
	var invs []*models.VaultInventory
	err := r.db.WithContext(ctx).Where("asset = ?", asset).Find(&invs).Error
	return invs, err
}

func (r *inventoryRepository) List(ctx context.Context) ([]*models.VaultInventory, error) {
	var invs []*models.VaultInventory
	err := r.db.WithContext(ctx).Order("chain_id ASC, asset ASC").Find(&invs).Error
	return invs, err
}
