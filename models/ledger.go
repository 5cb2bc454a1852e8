package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerDirection is the side of a ledger entry.
type LedgerDirection string

const (
	DirectionCredit LedgerDirection = "CREDIT"
	DirectionDebit  LedgerDirection = "DEBIT"
)

// LedgerEntryType classifies what a movement is for.
type LedgerEntryType string

const (
	EntryTypeEntryFee     LedgerEntryType = "entry_fee"
	EntryTypeWinnerPayout LedgerEntryType = "winner_payout"
	EntryTypeDeposit      LedgerEntryType = "deposit"
	EntryTypeRefund       LedgerEntryType = "refund"
	EntryTypeAdjustment   LedgerEntryType = "adjustment"
)

// LedgerEntry is an append-only financial record. Entries are never updated
// or deleted; a wallet balance is the signed sum of its entries, computed
// on read. The optional idempotency key is unique when present, so a
// replayed write surfaces as a constraint violation the caller treats as
// "already recorded".
type LedgerEntry struct {
	ID          string          `json:"id" gorm:"primaryKey;type:uuid"`
	EntryType   LedgerEntryType `json:"entry_type" gorm:"type:varchar(32);not null"`
	Direction   LedgerDirection `json:"direction" gorm:"type:varchar(8);not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	ReferenceID string          `json:"reference_id" gorm:"type:uuid;index"`

	IdempotencyKey *string `json:"idempotency_key,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	SnapshotID     *string `json:"snapshot_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// WalletAccount is the lockable owner row for a user's funds. It holds no
// balance (the balance is always the sum of the user's ledger entries),
// but locking it FOR UPDATE serializes check-then-debit flows per user.
type WalletAccount struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"user_id" gorm:"type:uuid;not null;uniqueIndex"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// AuditLog is the append-only operational audit sink written by the
// lifecycle advancer (on fallback to ERROR) and the settlement engine (on
// completion). Read only by operator tooling.
type AuditLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	ContestID string    `json:"contest_id" gorm:"type:uuid;not null;index"`
	Actor     Actor     `json:"actor" gorm:"type:varchar(16);not null"`
	Action    string    `json:"action" gorm:"type:varchar(64);not null"`
	Reason    string    `json:"reason" gorm:"type:text"`
	Payload   string    `json:"payload" gorm:"type:jsonb;default:'{}'"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
