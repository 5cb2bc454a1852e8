package services

import (
	"database/sql"
	"errors"
	"fmt"

	"contest-settlement-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// Append writes one ledger entry. A duplicate idempotency key means the
// movement was already recorded by an earlier attempt, which callers treat
// as success; that is the whole point of the key.
func (l *LedgerService) Append(entry *models.LedgerEntry) error {
	return l.AppendIn(l.DB, entry)
}

// AppendIn is Append inside a caller-owned transaction, for flows that
// must commit the entry atomically with other rows (transfer completion,
// entry-fee debit).
func (l *LedgerService) AppendIn(tx *gorm.DB, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Amount.IsNegative() {
		return fmt.Errorf("ledger amounts are unsigned, got %s (direction carries the sign)", entry.Amount)
	}

	if err := tx.Create(entry).Error; err != nil {
		if entry.IdempotencyKey != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Balance is the signed sum of a reference's entries: credits minus debits,
// zero when no entries exist. The aggregate is scanned as text and parsed
// as a decimal; anything unparsable fails loudly rather than defaulting:
// a silently wrong balance is financial corruption.
func (l *LedgerService) Balance(referenceID string) (decimal.Decimal, error) {
	return l.BalanceIn(l.DB, referenceID)
}

// BalanceIn is the lock-aware variant: it runs on the caller's transaction
// so check-then-debit flows can read the balance while holding the lock on
// the owning wallet row.
func (l *LedgerService) BalanceIn(tx *gorm.DB, referenceID string) (decimal.Decimal, error) {
	var raw sql.NullString
	err := tx.Model(&models.LedgerEntry{}).
		Select("SUM(CASE WHEN direction = ? THEN amount ELSE -amount END)", models.DirectionCredit).
		Where("reference_id = ?", referenceID).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance query for %s: %w", referenceID, err)
	}
	if !raw.Valid {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(raw.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger aggregate for %s is not a valid number (%q): %w", referenceID, raw.String, err)
	}
	return balance, nil
}
