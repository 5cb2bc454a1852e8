package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"contest-settlement-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNoWinners rejects payout scheduling with an empty winner list.
var ErrNoWinners = errors.New("payout scheduling requires at least one winner")

// defaultMaxAttempts is the per-transfer retry ceiling.
const defaultMaxAttempts = 5

// Winner is one payable settlement line.
type Winner struct {
	UserID string
	Amount decimal.Decimal
	Rank   int
}

// WinnersFromRecord extracts the payable winners from a settlement record's
// canonical results document.
func WinnersFromRecord(record *models.SettlementRecord) ([]Winner, error) {
	var result models.SettlementResult
	if err := json.Unmarshal([]byte(record.ResultsJSON), &result); err != nil {
		return nil, fmt.Errorf("decode settlement %s results: %w", record.ID, err)
	}
	winners := make([]Winner, 0, len(result.Payouts))
	for _, p := range result.Payouts {
		winners = append(winners, Winner{UserID: p.UserID, Amount: p.Amount, Rank: p.Rank})
	}
	return winners, nil
}

type PayoutService struct {
	DB *gorm.DB
}

func NewPayoutService(db *gorm.DB) *PayoutService {
	return &PayoutService{DB: db}
}

// ScheduleForContest looks up the contest's settlement record and schedules
// its payouts. A settlement with no payable winners (zero pool, no tiers)
// is legal and schedules nothing.
func (s *PayoutService) ScheduleForContest(contestID string) (*models.PayoutJob, error) {
	var record models.SettlementRecord
	if err := s.DB.Where("contest_instance_id = ?", contestID).First(&record).Error; err != nil {
		return nil, fmt.Errorf("read settlement for contest %s: %w", contestID, err)
	}
	winners, err := WinnersFromRecord(&record)
	if err != nil {
		return nil, err
	}
	if len(winners) == 0 {
		return nil, nil
	}
	return s.SchedulePayout(record.ID, contestID, winners)
}

// SchedulePayout expands a settlement into a payout job plus one transfer
// row per winner, exactly once. The unique settlement_id on the job and the
// unique (contest, user) on transfers make replays and concurrent callers
// converge on the first writer's rows; losers of the insert race re-read
// and return the winning job instead of failing.
func (s *PayoutService) SchedulePayout(settlementID, contestID string, winners []Winner) (*models.PayoutJob, error) {
	if len(winners) == 0 {
		return nil, ErrNoWinners
	}
	for _, w := range winners {
		if w.UserID == "" {
			return nil, fmt.Errorf("winner with empty user id for settlement %s", settlementID)
		}
		if !w.Amount.IsPositive() {
			return nil, fmt.Errorf("winner %s has non-positive amount %s", w.UserID, w.Amount)
		}
	}

	var existing models.PayoutJob
	err := s.DB.Where("settlement_id = ?", settlementID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read payout job for settlement %s: %w", settlementID, err)
	}

	job := models.PayoutJob{
		ID:           uuid.NewString(),
		SettlementID: settlementID,
		ContestID:    contestID,
		Status:       models.PayoutJobPending,
		TotalPayouts: len(winners),
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		for _, w := range winners {
			transfer := models.PayoutTransfer{
				ID:          uuid.NewString(),
				PayoutJobID: job.ID,
				ContestID:   contestID,
				UserID:      w.UserID,
				Amount:      w.Amount,
				Status:      models.TransferPending,
				MaxAttempts: defaultMaxAttempts,
				// Deterministic key: a rescheduled or replayed payout for
				// the same (contest, user) dedupes at the provider and in
				// the ledger.
				IdempotencyKey: fmt.Sprintf("payout:%s:%s", contestID, w.UserID),
			}
			if err := tx.Create(&transfer).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another caller scheduled concurrently; theirs is the job.
			var winner models.PayoutJob
			if readErr := s.DB.Where("settlement_id = ?", settlementID).First(&winner).Error; readErr != nil {
				return nil, fmt.Errorf("payout job race for settlement %s, re-read failed: %w", settlementID, readErr)
			}
			return &winner, nil
		}
		return nil, fmt.Errorf("schedule payout for settlement %s: %w", settlementID, err)
	}

	return &job, nil
}
