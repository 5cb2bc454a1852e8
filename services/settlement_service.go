package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"contest-settlement-system/models"
	"contest-settlement-system/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InconsistentStateError means settle_time is set on a contest that has no
// settlement record. That combination can only come from data corruption or
// a manual edit, so settlement halts rather than recomputing over it.
type InconsistentStateError struct {
	ContestID string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("contest %s has settle_time set but no settlement record", e.ContestID)
}

type SettlementService struct {
	DB       *gorm.DB
	Registry *StrategyRegistry
}

func NewSettlementService(db *gorm.DB, registry *StrategyRegistry) *SettlementService {
	return &SettlementService{DB: db, Registry: registry}
}

// settlementGuard decides what an attempt may do, given the contest row and
// any existing record read under the row lock: reuse the existing record,
// halt on corruption, or proceed with a fresh computation (nil, nil).
func settlementGuard(contest *models.ContestInstance, existing *models.SettlementRecord) (*models.SettlementRecord, error) {
	if existing != nil {
		return existing, nil
	}
	// settle_time without a record is corruption, never a reason to
	// recompute.
	if contest.SettleTime != nil {
		return nil, &InconsistentStateError{ContestID: contest.ID}
	}
	return nil, nil
}

// buildSettlementRecord computes the record from loaded inputs, no I/O.
// Apart from the generated row id, it is deterministic: the same contest,
// template, snapshot and entry count always produce identical results JSON
// and content hash.
func buildSettlementRecord(contest *models.ContestInstance, tmpl *models.ContestTemplate, snapshot *models.ScoreSnapshot, entryCount int64, registry *StrategyRegistry, now time.Time) (*models.SettlementRecord, error) {
	strategy, err := registry.Resolve(tmpl.ScoringStrategy)
	if err != nil {
		return nil, err
	}

	pool := contest.EntryFee.Mul(decimal.NewFromInt(entryCount))

	tiers, err := ParsePayoutTiers(contest.PayoutSpec)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		if tiers, err = ParsePayoutTiers(tmpl.DefaultPayoutSpec); err != nil {
			return nil, err
		}
	}

	result, err := strategy.Compute(contest, snapshot, pool, tiers)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", tmpl.ScoringStrategy, err)
	}

	canonical, err := CanonicalJSON(result)
	if err != nil {
		return nil, fmt.Errorf("canonicalize settlement for contest %s: %w", contest.ID, err)
	}

	return &models.SettlementRecord{
		ID:                uuid.NewString(),
		ContestInstanceID: contest.ID,
		ResultsJSON:       string(canonical),
		ContentHash:       ContentHash(canonical),
		SnapshotID:        snapshot.ID,
		SnapshotHash:      snapshot.ContentHash,
		ScoringRunID:      snapshot.ScoringRunID,
		SettledAt:         now,
	}, nil
}

// ExecuteSettlement computes and persists the final rankings and payouts
// for a contest, exactly once. The contest row is locked FOR UPDATE for the
// duration, so concurrent settlement attempts on the same contest serialize
// while other contests stay fully concurrent. Replays return the existing
// record unchanged.
func (s *SettlementService) ExecuteSettlement(contestID string) (*models.SettlementRecord, error) {
	var record *models.SettlementRecord
	var freshlySettled bool

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var contest models.ContestInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contest, "id = ?", contestID).Error; err != nil {
			return fmt.Errorf("lock contest %s: %w", contestID, err)
		}

		var existing *models.SettlementRecord
		var found models.SettlementRecord
		err := tx.Where("contest_instance_id = ?", contestID).First(&found).Error
		switch {
		case err == nil:
			existing = &found
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("read settlement for contest %s: %w", contestID, err)
		}

		reused, err := settlementGuard(&contest, existing)
		if err != nil {
			return err
		}
		if reused != nil {
			record = reused
			return nil
		}

		var tmpl models.ContestTemplate
		if err := tx.First(&tmpl, "id = ?", contest.TemplateID).Error; err != nil {
			return fmt.Errorf("load template %s: %w", contest.TemplateID, err)
		}

		var snapshot models.ScoreSnapshot
		if err := tx.Preload("Entries").
			Where("contest_id = ? AND finalized = ?", contestID, true).
			Order("created_at DESC").
			First(&snapshot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("no finalized score snapshot for contest %s", contestID)
			}
			return fmt.Errorf("load snapshot for contest %s: %w", contestID, err)
		}

		var entryCount int64
		if err := tx.Model(&models.ContestEntry{}).
			Where("contest_id = ?", contestID).
			Count(&entryCount).Error; err != nil {
			return fmt.Errorf("count entries for contest %s: %w", contestID, err)
		}

		now := time.Now().UTC()
		rec, err := buildSettlementRecord(&contest, &tmpl, &snapshot, entryCount, s.Registry, now)
		if err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("insert settlement record: %w", err)
		}
		if err := tx.Model(&models.ContestInstance{}).
			Where("id = ?", contestID).
			Update("settle_time", now).Error; err != nil {
			return fmt.Errorf("set settle_time: %w", err)
		}

		audit := models.AuditLog{
			ID:        uuid.NewString(),
			ContestID: contestID,
			Actor:     models.ActorSystem,
			Action:    "settlement_completed",
			Reason:    fmt.Sprintf("settled via strategy %q", tmpl.ScoringStrategy),
			Payload: fmt.Sprintf(`{"settlement_id":%q,"content_hash":%q,"snapshot_id":%q,"scoring_run_id":%q}`,
				rec.ID, rec.ContentHash, rec.SnapshotID, rec.ScoringRunID),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("write settlement audit: %w", err)
		}

		record = rec
		freshlySettled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Archive outside the transaction: the object-store copy is an
	// operational convenience and must never roll back a settlement.
	if freshlySettled && utils.ArchiveEnabled() {
		key := fmt.Sprintf("settlements/%s/%s.json", contestID, record.ID)
		if url, err := utils.UploadSettlementArchive(key, []byte(record.ResultsJSON)); err != nil {
			log.Printf("[SETTLEMENT] archive upload failed for contest %s: %v", contestID, err)
		} else {
			log.Printf("[SETTLEMENT] archived contest %s settlement to %s", contestID, url)
		}
	}

	return record, nil
}
