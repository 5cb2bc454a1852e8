package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"contest-settlement-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxTraceLen bounds the diagnostic trace stored on fallback audit rows.
const maxTraceLen = 500

// ConditionalUpdate applies a status change guarded by the contest's
// current status (WHERE status = current). It returns the updated contest,
// or nil when another writer already moved the row, which is a no-op.
type ConditionalUpdate func(contest *models.ContestInstance, to models.ContestStatus) (*models.ContestInstance, error)

// SettlementExecutor is the settlement engine as the advancer sees it.
type SettlementExecutor interface {
	ExecuteSettlement(contestID string) (*models.SettlementRecord, error)
}

// PayoutScheduler expands a completed contest's settlement into transfers.
type PayoutScheduler interface {
	ScheduleForContest(contestID string) (*models.PayoutJob, error)
}

// AuditSink records operational audit rows.
type AuditSink interface {
	Record(entry *models.AuditLog) error
}

// DBAuditSink writes audit rows to the audit_logs table.
type DBAuditSink struct {
	DB *gorm.DB
}

func (s *DBAuditSink) Record(entry *models.AuditLog) error {
	return s.DB.Create(entry).Error
}

// LifecycleService drives time-based contest transitions and recovers
// failed system transitions into the ERROR state. Collaborators are
// injected so the recovery policy is testable in isolation.
type LifecycleService struct {
	DB         *gorm.DB
	Readiness  SettlementReadiness
	Settlement SettlementExecutor
	Payouts    PayoutScheduler
	Audit      AuditSink
}

func NewLifecycleService(db *gorm.DB, readiness SettlementReadiness, settlement SettlementExecutor) *LifecycleService {
	return &LifecycleService{
		DB:         db,
		Readiness:  readiness,
		Settlement: settlement,
		Payouts:    NewPayoutService(db),
		Audit:      &DBAuditSink{DB: db},
	}
}

// SuggestNext proposes the next status for a contest purely from the clock.
// Settlement readiness is deliberately not consulted here; that gate lives
// in ApplyWithRecovery. Terminal and ERROR contests get no suggestion.
func SuggestNext(contest *models.ContestInstance, now time.Time) (models.ContestStatus, bool) {
	switch contest.Status {
	case models.StatusScheduled:
		if !now.Before(contest.LockTime) {
			return models.StatusLocked, true
		}
	case models.StatusLocked:
		if !now.Before(contest.StartTime) {
			return models.StatusLive, true
		}
	case models.StatusLive:
		if !now.Before(contest.EndTime) {
			return models.StatusComplete, true
		}
	}
	return "", false
}

// Advance runs one advancer pass over a single contest: suggest, then apply
// with recovery using the default conditional update.
func (s *LifecycleService) Advance(contest *models.ContestInstance, now time.Time) (*models.ContestInstance, error) {
	next, ok := SuggestNext(contest, now)
	if !ok {
		return nil, nil
	}
	return s.ApplyWithRecovery(contest, next, s.defaultConditionalUpdate)
}

// ApplyWithRecovery performs a system transition with the advancer's error
// policy:
//
//   - TransitionNotAllowed propagates unchanged: an invalid edge is a bug,
//     not something to recover from.
//   - LIVE -> COMPLETE first consults the readiness collaborator; "not
//     ready" (false, no error) is a quiet no-op so the contest simply stays
//     LIVE until the next pass. A readiness error, a settlement failure, or
//     a payout-scheduling failure triggers the ERROR fallback.
//   - Any other failure on a non-terminal contest also falls back to ERROR
//     (validated through the transition graph) with an audit record. If the
//     fallback itself cannot be applied, the original error is returned.
func (s *LifecycleService) ApplyWithRecovery(contest *models.ContestInstance, to models.ContestStatus, update ConditionalUpdate) (*models.ContestInstance, error) {
	if err := AuthorizeTransition(contest.Status, to, models.ActorSystem); err != nil {
		return nil, err
	}

	settling := contest.Status == models.StatusLive && to == models.StatusComplete
	var job *models.PayoutJob
	if settling {
		ready, err := s.Readiness.IsReadyToSettle(contest.ID)
		if err != nil {
			return nil, s.recoverToError(contest, to, err, true, update)
		}
		if !ready {
			log.Printf("[LIFECYCLE] contest %s not ready to settle, staying LIVE", contest.ID)
			return nil, nil
		}
		if _, err := s.Settlement.ExecuteSettlement(contest.ID); err != nil {
			return nil, s.recoverToError(contest, to, err, false, update)
		}
		// Scheduling runs before the status flips: COMPLETE is inert to
		// the advancer, so a contest must not reach it until its payout
		// job exists. Scheduling is idempotent, so the ERROR fallback plus
		// an admin resolve retries it safely.
		var schedErr error
		if job, schedErr = s.Payouts.ScheduleForContest(contest.ID); schedErr != nil {
			return nil, s.recoverToError(contest, to, schedErr, false, update)
		}
	}

	updated, err := update(contest, to)
	if err != nil {
		return nil, s.recoverToError(contest, to, err, false, update)
	}
	if updated == nil {
		// Lost the conditional-update race; the winning advancer already
		// moved the row.
		return nil, nil
	}

	if job != nil {
		log.Printf("[LIFECYCLE] contest %s settled, payout job %s scheduled (%d transfers)", updated.ID, job.ID, job.TotalPayouts)
	}
	return updated, nil
}

// ResolveOutcome is the admin path out of ERROR: an explicit transition to
// COMPLETE or CANCELLED. Resolving to COMPLETE runs settlement and payout
// scheduling before the status moves; both are idempotent, so a failed
// resolve leaves the contest in ERROR and the admin simply retries.
func (s *LifecycleService) ResolveOutcome(contest *models.ContestInstance, target models.ContestStatus, update ConditionalUpdate) (*models.ContestInstance, error) {
	if err := AuthorizeTransition(contest.Status, target, models.ActorAdmin); err != nil {
		return nil, err
	}

	if target == models.StatusComplete {
		if _, err := s.Settlement.ExecuteSettlement(contest.ID); err != nil {
			return nil, err
		}
		if _, err := s.Payouts.ScheduleForContest(contest.ID); err != nil {
			return nil, err
		}
	}

	return update(contest, target)
}

// recoverToError attempts the fallback transition to ERROR and records why.
// The original error is always part of the return value: a successful
// fallback changes where the failure is visible, not whether it is.
func (s *LifecycleService) recoverToError(contest *models.ContestInstance, attempted models.ContestStatus, cause error, settlementFailure bool, update ConditionalUpdate) error {
	if contest.Status.IsTerminal() {
		return cause
	}
	if err := AuthorizeTransition(contest.Status, models.StatusError, models.ActorSystem); err != nil {
		return cause
	}

	updated, err := update(contest, models.StatusError)
	if err != nil || updated == nil {
		if err != nil {
			log.Printf("[LIFECYCLE] ERROR fallback failed for contest %s: %v", contest.ID, err)
		}
		return cause
	}

	s.writeFallbackAudit(contest.ID, attempted, cause, settlementFailure)
	return fmt.Errorf("transition to %s failed, contest %s moved to ERROR: %w", attempted, contest.ID, cause)
}

func (s *LifecycleService) writeFallbackAudit(contestID string, attempted models.ContestStatus, cause error, settlementFailure bool) {
	trace := cause.Error()
	if len(trace) > maxTraceLen {
		trace = trace[:maxTraceLen]
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"attempted_target":   attempted,
		"error_class":        classifyError(cause),
		"settlement_failure": settlementFailure,
		"trace":              trace,
	})

	audit := models.AuditLog{
		ID:        uuid.NewString(),
		ContestID: contestID,
		Actor:     models.ActorSystem,
		Action:    "lifecycle_error_fallback",
		Reason:    fmt.Sprintf("auto-advance to %s failed", attempted),
		Payload:   string(payload),
	}
	if err := s.Audit.Record(&audit); err != nil {
		log.Printf("[LIFECYCLE] failed to write fallback audit for contest %s: %v", contestID, err)
	}
}

func classifyError(err error) string {
	var unknown *UnknownStrategyError
	var inconsistent *InconsistentStateError
	switch {
	case errors.As(err, &unknown):
		return "unknown_strategy"
	case errors.As(err, &inconsistent):
		return "inconsistent_state"
	default:
		return "internal"
	}
}

// defaultConditionalUpdate is the production update: a single UPDATE
// guarded by the current status, plus the append-only transition audit row,
// in one transaction. RowsAffected == 0 means a concurrent advancer won.
func (s *LifecycleService) defaultConditionalUpdate(contest *models.ContestInstance, to models.ContestStatus) (*models.ContestInstance, error) {
	return ApplyTransition(s.DB, contest, to, models.ActorSystem, "time-based auto transition")
}

// ApplyTransition is the one write path for contest status. Every caller
// (advancer, admin resolve, cancellation) goes through the same conditional
// update so that two concurrent writers can never both win the same edge.
// Authorization is the caller's job; this only guards against races.
func ApplyTransition(db *gorm.DB, contest *models.ContestInstance, to models.ContestStatus, actor models.Actor, reason string) (*models.ContestInstance, error) {
	var updated *models.ContestInstance
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ContestInstance{}).
			Where("id = ? AND status = ?", contest.ID, contest.Status).
			Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		transition := models.ContestStateTransition{
			ID:          uuid.NewString(),
			ContestID:   contest.ID,
			FromState:   contest.Status,
			ToState:     to,
			TriggeredBy: actor,
			Reason:      reason,
		}
		if err := tx.Create(&transition).Error; err != nil {
			return err
		}

		after := *contest
		after.Status = to
		updated = &after
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
