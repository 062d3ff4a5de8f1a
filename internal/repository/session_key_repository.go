package repository

import (
	"context"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// SessionKeyRepository delegation records
type SessionKeyRepository interface {
	// Create returns ErrDuplicate when the pair already has an ACTIVE key.
	Create(ctx context.Context, key *models.SessionKey) error
	GetByID(ctx context.Context, id string) (*models.SessionKey, error)

	// FindLatest returns the most recent record for the pair in any status.
	FindLatest(ctx context.Context, user, sessionKey string) (*models.SessionKey, error)
	FindActiveForUpdate(ctx context.Context, user, sessionKey string) ([]*models.SessionKey, error)
	ListActiveByUser(ctx context.Context, user string) ([]*models.SessionKey, error)

	// Transition moves a record from one status to another; it reports
	// false when the record was no longer in the from status.
	Transition(ctx context.Context, id string, from, to models.SessionKeyStatus, at time.Time) (bool, error)
}

type sessionKeyRepository struct {
	db *gorm.DB
}

func NewSessionKeyRepository(db *gorm.DB) SessionKeyRepository {
	return &sessionKeyRepository{db: db}
}

func (r *sessionKeyRepository) Create(ctx context.Context, key *models.SessionKey) error {
	return duplicate(r.db.WithContext(ctx).Create(key).Error)
}

func (r *sessionKeyRepository) GetByID(ctx context.Context, id string) (*models.SessionKey, error) {
	var key models.SessionKey
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&key).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (r *sessionKeyRepository) FindLatest(ctx context.Context, user, sessionKey string) (*models.SessionKey, error) {
	var key models.SessionKey
	err := r.db.WithContext(ctx).
		Where("user_address = ? AND session_key_address = ?", user, sessionKey).
		Order("created_at DESC").
		First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (r *sessionKeyRepository) FindActiveForUpdate(ctx context.Context, user, sessionKey string) ([]*models.SessionKey, error) {
	var keys []*models.SessionKey
	err := forUpdate(r.db.WithContext(ctx)).
		Where("user_address = ? AND session_key_address = ? AND status = ?", user, sessionKey, models.SessionKeyStatusActive).
		Find(&keys).Error
	return keys, err
}

func (r *sessionKeyRepository) ListActiveByUser(ctx context.Context, user string) ([]*models.SessionKey, error) {
	var keys []*models.SessionKey
	err := r.db.WithContext(ctx).
		Where("user_address = ? AND status = ?", user, models.SessionKeyStatusActive).
		Order("created_at DESC").
		Find(&keys).Error
	return keys, err
}

func (r *sessionKeyRepository) Transition(ctx context.Context, id string, from, to models.SessionKeyStatus, at time.Time) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": at}
	if to == models.SessionKeyStatusRevoked {
		updates["revoked_at"] = at
	}
	result := r.db.WithContext(ctx).
		Model(&models.SessionKey{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
