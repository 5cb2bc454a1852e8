package services

import (
	"fmt"

	"contest-settlement-system/models"

	"gorm.io/gorm"
)

// SettlementReadiness answers whether a contest's scoring data is complete
// enough to settle. Consulted only on the LIVE -> COMPLETE path; what
// "ready" means for a given sport is this collaborator's business, not the
// lifecycle core's.
type SettlementReadiness interface {
	IsReadyToSettle(contestID string) (bool, error)
}

// SnapshotReadiness is the default implementation: a contest is ready when
// a finalized score snapshot exists for it.
type SnapshotReadiness struct {
	DB *gorm.DB
}

func NewSnapshotReadiness(db *gorm.DB) *SnapshotReadiness {
	return &SnapshotReadiness{DB: db}
}

func (r *SnapshotReadiness) IsReadyToSettle(contestID string) (bool, error) {
	var count int64
	err := r.DB.Model(&models.ScoreSnapshot{}).
		Where("contest_id = ? AND finalized = ?", contestID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("readiness query for contest %s: %w", contestID, err)
	}
	return count > 0, nil
}
