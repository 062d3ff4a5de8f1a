package repository

import (
	"context"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// TransactionRepository append-only ledger entries
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.Transaction, error)
}

type transactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *transactionRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence_number ASC").
		Find(&txs).Error
	return txs, err
}
