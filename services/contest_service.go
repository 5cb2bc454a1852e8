package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"contest-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContestService struct {
	DB        *gorm.DB
	Lifecycle *LifecycleService
	Ledger    *LedgerService
}

func NewContestService(db *gorm.DB, lifecycle *LifecycleService, ledger *LedgerService) *ContestService {
	return &ContestService{DB: db, Lifecycle: lifecycle, Ledger: ledger}
}

// actorFromCtx maps the gateway-provided roles onto a transition actor.
// Admin wins over organizer; plain participants get no transition rights.
func actorFromCtx(c *fiber.Ctx) models.Actor {
	roles, _ := c.Locals("user_roles").([]string)
	for _, r := range roles {
		if r == "admin" {
			return models.ActorAdmin
		}
	}
	return models.ActorOrganizer
}

// --- Templates ---

func (s *ContestService) CreateTemplate(c *fiber.Ctx) error {
	var req struct {
		Name              string          `json:"name"`
		Sport             string          `json:"sport"`
		ScoringStrategy   string          `json:"scoring_strategy"`
		DefaultEntryFee   decimal.Decimal `json:"default_entry_fee"`
		DefaultPayoutSpec string          `json:"default_payout_spec"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Name == "" || req.ScoringStrategy == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name and scoring_strategy are required"})
	}
	if req.DefaultPayoutSpec == "" {
		req.DefaultPayoutSpec = "[]"
	}
	if _, err := ParsePayoutTiers(req.DefaultPayoutSpec); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	tmpl := models.ContestTemplate{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Slug:              slug.Make(req.Name),
		Sport:             req.Sport,
		ScoringStrategy:   req.ScoringStrategy,
		DefaultEntryFee:   req.DefaultEntryFee,
		DefaultPayoutSpec: req.DefaultPayoutSpec,
	}
	if err := s.DB.Create(&tmpl).Error; err != nil {
		log.Printf("DB Error creating template: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create template"})
	}
	return c.Status(fiber.StatusCreated).JSON(tmpl)
}

func (s *ContestService) GetTemplates(c *fiber.Ctx) error {
	var templates []models.ContestTemplate
	if err := s.DB.Order("created_at DESC").Find(&templates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch templates"})
	}
	return c.JSON(templates)
}

// --- Contests ---

func (s *ContestService) CreateContest(c *fiber.Ctx) error {
	organizerID, _ := c.Locals("user_id").(string)
	if organizerID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	var req struct {
		TemplateID string           `json:"template_id"`
		LockTime   time.Time        `json:"lock_time"`
		StartTime  time.Time        `json:"start_time"`
		EndTime    time.Time        `json:"end_time"`
		EntryFee   *decimal.Decimal `json:"entry_fee"`
		PayoutSpec string           `json:"payout_spec"`
		MaxEntries int              `json:"max_entries"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.TemplateID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "template_id is required"})
	}

	var tmpl models.ContestTemplate
	if err := s.DB.First(&tmpl, "id = ?", req.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "template_id not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	now := time.Now().UTC()
	// created_at < lock_time <= start_time < end_time
	if !now.Before(req.LockTime) || req.StartTime.Before(req.LockTime) || !req.StartTime.Before(req.EndTime) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "times must satisfy now < lock_time <= start_time < end_time",
		})
	}

	entryFee := tmpl.DefaultEntryFee
	if req.EntryFee != nil {
		if req.EntryFee.IsNegative() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entry_fee must be non-negative"})
		}
		entryFee = *req.EntryFee
	}

	payoutSpec := req.PayoutSpec
	if payoutSpec == "" {
		payoutSpec = tmpl.DefaultPayoutSpec
	}
	if _, err := ParsePayoutTiers(payoutSpec); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	contest := models.ContestInstance{
		ID:          uuid.NewString(),
		TemplateID:  tmpl.ID,
		OrganizerID: organizerID,
		Status:      models.StatusScheduled,
		LockTime:    req.LockTime.UTC(),
		StartTime:   req.StartTime.UTC(),
		EndTime:     req.EndTime.UTC(),
		EntryFee:    entryFee,
		PayoutSpec:  payoutSpec,
		MaxEntries:  req.MaxEntries,
	}
	if err := s.DB.Create(&contest).Error; err != nil {
		log.Printf("DB Error creating contest: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create contest"})
	}
	return c.Status(fiber.StatusCreated).JSON(contest)
}

func (s *ContestService) GetContests(c *fiber.Ctx) error {
	query := s.DB.Preload("Template").Order("start_time DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var contests []models.ContestInstance
	if err := query.Find(&contests).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch contests"})
	}
	return c.JSON(contests)
}

func (s *ContestService) GetContestByID(c *fiber.Ctx) error {
	var contest models.ContestInstance
	if err := s.DB.Preload("Template").First(&contest, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(contest)
}

func (s *ContestService) GetContestTransitions(c *fiber.Ctx) error {
	var transitions []models.ContestStateTransition
	if err := s.DB.Where("contest_id = ?", c.Params("id")).
		Order("created_at ASC").
		Find(&transitions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch transitions"})
	}
	return c.JSON(transitions)
}

// JoinContest debits the entry fee and creates the participant's entry row
// atomically. The contest row is locked first so status and capacity are
// checked under the lock (concurrent joins serialize per contest and cannot
// overshoot max_entries), then the wallet row is locked for the
// check-then-debit; the debit plus entry commit together or not at all.
func (s *ContestService) JoinContest(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}
	contestID := c.Params("id")

	var entry models.ContestEntry
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var contest models.ContestInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contest, "id = ?", contestID).Error; err != nil {
			return err
		}

		var entryCount int64
		if contest.MaxEntries > 0 {
			if err := tx.Model(&models.ContestEntry{}).
				Where("contest_id = ?", contestID).
				Count(&entryCount).Error; err != nil {
				return err
			}
		}
		if err := checkJoinable(&contest, entryCount); err != nil {
			return err
		}

		var wallet models.WalletAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&wallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("no wallet for user %s", userID)
			}
			return err
		}

		if contest.EntryFee.IsPositive() {
			balance, err := s.Ledger.BalanceIn(tx, userID)
			if err != nil {
				return err
			}
			if balance.LessThan(contest.EntryFee) {
				return errInsufficientFunds
			}
			key := fmt.Sprintf("entry:%s:%s", contestID, userID)
			debit := models.LedgerEntry{
				EntryType:      models.EntryTypeEntryFee,
				Direction:      models.DirectionDebit,
				Amount:         contest.EntryFee,
				ReferenceID:    userID,
				IdempotencyKey: &key,
			}
			if err := s.Ledger.AppendIn(tx, &debit); err != nil {
				return err
			}
		}

		entry = models.ContestEntry{
			ID:        uuid.NewString(),
			ContestID: contestID,
			UserID:    userID,
			FeePaid:   contest.EntryFee,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not found"})
		case errors.Is(err, errContestClosed), errors.Is(err, errContestFull):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, errInsufficientFunds):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Insufficient balance for entry fee"})
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Already joined this contest"})
		}
		log.Printf("DB Error joining contest %s: %v", contestID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to join contest"})
	}

	return c.Status(fiber.StatusCreated).JSON(entry)
}

var (
	errInsufficientFunds = errors.New("insufficient funds")
	errContestClosed     = errors.New("contest is no longer open for entries")
	errContestFull       = errors.New("contest is full")
)

// checkJoinable validates a join against the contest state read under the
// contest row lock.
func checkJoinable(contest *models.ContestInstance, entryCount int64) error {
	if contest.Status != models.StatusScheduled {
		return errContestClosed
	}
	if contest.MaxEntries > 0 && entryCount >= int64(contest.MaxEntries) {
		return errContestFull
	}
	return nil
}

// CancelContest applies an organizer or admin cancellation through the
// transition graph. Organizers may only cancel their own SCHEDULED
// contests; the graph enforces which states each actor can cancel from.
func (s *ContestService) CancelContest(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	actor := actorFromCtx(c)

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.BodyParser(&req)

	var contest models.ContestInstance
	if err := s.DB.First(&contest, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if actor == models.ActorOrganizer && contest.OrganizerID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not the organizer of this contest"})
	}

	if err := AuthorizeTransition(contest.Status, models.StatusCancelled, actor); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	updated, err := ApplyTransition(s.DB, &contest, models.StatusCancelled, actor, req.Reason)
	if err != nil {
		log.Printf("DB Error cancelling contest %s: %v", contest.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to cancel contest"})
	}
	if updated == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Contest status changed concurrently, retry"})
	}
	return c.JSON(updated)
}

// ResolveContest is the admin path out of ERROR: an explicit transition to
// COMPLETE or CANCELLED. Resolving to COMPLETE runs settlement and payout
// scheduling before the status moves (both idempotent), so a failed resolve
// leaves the contest in ERROR and can simply be retried.
func (s *ContestService) ResolveContest(c *fiber.Ctx) error {
	var req struct {
		Target models.ContestStatus `json:"target"`
		Reason string               `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Target != models.StatusComplete && req.Target != models.StatusCancelled {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target must be COMPLETE or CANCELLED"})
	}

	var contest models.ContestInstance
	if err := s.DB.First(&contest, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	updated, err := s.Lifecycle.ResolveOutcome(&contest, req.Target,
		func(cur *models.ContestInstance, to models.ContestStatus) (*models.ContestInstance, error) {
			return ApplyTransition(s.DB, cur, to, models.ActorAdmin, req.Reason)
		})
	if err != nil {
		var notAllowed *TransitionNotAllowedError
		if errors.As(err, &notAllowed) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("Resolve of contest %s to %s failed: %v", contest.ID, req.Target, err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": fmt.Sprintf("resolve failed: %v", err)})
	}
	if updated == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Contest status changed concurrently, retry"})
	}
	return c.JSON(updated)
}

// AdvanceContest manually kicks one advancer pass for a contest, for
// operators who don't want to wait for the next scheduler tick.
func (s *ContestService) AdvanceContest(c *fiber.Ctx) error {
	var contest models.ContestInstance
	if err := s.DB.First(&contest, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	updated, err := s.Lifecycle.Advance(&contest, time.Now().UTC())
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if updated == nil {
		return c.JSON(fiber.Map{"message": "No transition due", "status": contest.Status})
	}
	return c.JSON(updated)
}

func (s *ContestService) GetSettlement(c *fiber.Ctx) error {
	var record models.SettlementRecord
	if err := s.DB.Where("contest_instance_id = ?", c.Params("id")).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Contest not settled"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(record)
}

// --- Wallet ---

func (s *ContestService) GetUserBalance(c *fiber.Ctx) error {
	userID := c.Params("id")
	balance, err := s.Ledger.Balance(userID)
	if err != nil {
		log.Printf("Balance read failed for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read balance"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

// CreditUser is the admin deposit path (and the ops tool for making test
// users solvent). The optional Idempotency-Key header makes retried credits
// safe.
func (s *ContestService) CreditUser(c *fiber.Ctx) error {
	userID := c.Params("id")
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if !req.Amount.IsPositive() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be positive"})
	}

	entry := models.LedgerEntry{
		EntryType:   models.EntryTypeDeposit,
		Direction:   models.DirectionCredit,
		Amount:      req.Amount,
		ReferenceID: userID,
	}
	if key := c.Get("Idempotency-Key"); key != "" {
		entry.IdempotencyKey = &key
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		// Ensure the lockable wallet row exists before the first credit.
		wallet := models.WalletAccount{ID: uuid.NewString(), UserID: userID, IsActive: true}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&wallet).Error; err != nil {
			return err
		}
		return s.Ledger.AppendIn(tx, &entry)
	})
	if err != nil {
		log.Printf("DB Error crediting user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to credit user"})
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// --- Debug ---

// SeedSnapshot stands in for the out-of-scope score ingestion feed: it
// writes a finalized score snapshot so a contest can settle in test and
// staging environments.
func (s *ContestService) SeedSnapshot(c *fiber.Ctx) error {
	contestID := c.Params("id")
	var req struct {
		ScoringRunID string `json:"scoring_run_id"`
		Finalized    *bool  `json:"finalized"`
		Entries      []struct {
			UserID string          `json:"user_id"`
			Points decimal.Decimal `json:"points"`
		} `json:"entries"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.ScoringRunID == "" {
		req.ScoringRunID = uuid.NewString()
	}
	finalized := true
	if req.Finalized != nil {
		finalized = *req.Finalized
	}

	canonical, err := CanonicalJSON(req.Entries)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	snapshot := models.ScoreSnapshot{
		ID:           uuid.NewString(),
		ContestID:    contestID,
		ScoringRunID: req.ScoringRunID,
		ContentHash:  ContentHash(canonical),
		Finalized:    finalized,
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}
		for _, e := range req.Entries {
			entry := models.ScoreEntry{
				ID:         uuid.NewString(),
				SnapshotID: snapshot.ID,
				UserID:     e.UserID,
				Points:     e.Points,
				Metadata:   "{}",
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("DB Error seeding snapshot for contest %s: %v", contestID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to seed snapshot"})
	}
	return c.Status(fiber.StatusCreated).JSON(snapshot)
}
