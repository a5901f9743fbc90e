package repository

import (
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PresenceRepository struct {
	db *gorm.DB
}

func NewPresenceRepository(db *gorm.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

func (r *PresenceRepository) Get(userID uint) (*models.UserPresence, error) {
	var presence models.UserPresence
	err := r.db.First(&presence, "user_id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return &models.UserPresence{UserID: userID}, nil
	}
	return &presence, err
}

// Upsert writes the full presence row, creating it on first sight.
func (r *PresenceRepository) Upsert(p *models.UserPresence) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "active_connections", "last_seen", "updated_at"}),
	}).Create(p).Error
}

// TouchLastSeen refreshes the liveness timestamp without changing counters.
func (r *PresenceRepository) TouchLastSeen(userID uint, at time.Time) error {
	return r.db.Model(&models.UserPresence{}).Where("user_id = ?", userID).
		Update("last_seen", at).Error
}
