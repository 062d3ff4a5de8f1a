package repository

import (
	"context"
	"time"

	"github.com/0xarcano/UXWallet/internal/models"

	"gorm.io/gorm"
)

// SessionState is the latest-state portion of a session row.
type SessionState struct {
	SequenceNumber uint64
	StateData      string
	StateHash      string
	StateSig       string
}

// SessionRepository defines the interface for Session data access
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByChannelID(ctx context.Context, channelID string) (*models.Session, error)
	GetForUpdate(ctx context.Context, id string) (*models.Session, error)

	// CompareAndSetState writes the new state only if the row is OPEN and
	// still at expectedSeq. It reports whether the row was updated.
	CompareAndSetState(ctx context.Context, id string, expectedSeq uint64, state SessionState) (bool, error)
	SetStatus(ctx context.Context, id string, status models.SessionStatus) error

	ListOpenByParticipant(ctx context.Context, participant string) ([]*models.Session, error)
	LatestSignedByParticipant(ctx context.Context, participant string) (*models.Session, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *sessionRepository) GetByChannelID(ctx context.Context, channelID string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *sessionRepository) GetForUpdate(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *sessionRepository) CompareAndSetState(ctx context.Context, id string, expectedSeq uint64, state SessionState) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND sequence_number = ? AND status = ?", id, expectedSeq, models.SessionStatusOpen).
		Updates(map[string]any{
			"sequence_number":   state.SequenceNumber,
			"latest_state_data": state.StateData,
			"latest_state_hash": state.StateHash,
			"latest_state_sig":  state.StateSig,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *sessionRepository) SetStatus(ctx context.Context, id string, status models.SessionStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

func (r *sessionRepository) ListOpenByParticipant(ctx context.Context, participant string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := r.db.WithContext(ctx).
		Where("participant_a = ? AND status = ?", participant, models.SessionStatusOpen).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) LatestSignedByParticipant(ctx context.Context, participant string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).
		Where("participant_a = ? AND latest_state_hash <> ''", participant).
		Order("updated_at DESC").
		First(&session).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}
