package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutJobStatus advances monotonically: pending -> processing -> complete.
type PayoutJobStatus string

const (
	PayoutJobPending    PayoutJobStatus = "pending"
	PayoutJobProcessing PayoutJobStatus = "processing"
	PayoutJobComplete   PayoutJobStatus = "complete"
)

// PayoutTransferStatus is the per-transfer retry state machine. The
// execution worker owns the pending -> processing -> {completed, retryable,
// failed_terminal} moves; retryable goes back through processing until the
// attempt ceiling is hit.
type PayoutTransferStatus string

const (
	TransferPending        PayoutTransferStatus = "pending"
	TransferProcessing     PayoutTransferStatus = "processing"
	TransferRetryable      PayoutTransferStatus = "retryable"
	TransferCompleted      PayoutTransferStatus = "completed"
	TransferFailedTerminal PayoutTransferStatus = "failed_terminal"
)

// PayoutJob groups the transfers spawned from one settlement. The unique
// index on SettlementID is what makes payout scheduling idempotent under
// concurrent callers: the second inserter loses the race and re-reads.
type PayoutJob struct {
	ID           string          `json:"id" gorm:"primaryKey;type:uuid"`
	SettlementID string          `json:"settlement_id" gorm:"type:uuid;not null;uniqueIndex"`
	ContestID    string          `json:"contest_id" gorm:"type:uuid;not null;index"`
	Status       PayoutJobStatus `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`

	TotalPayouts     int `json:"total_payouts" gorm:"not null"`
	CompletedPayouts int `json:"completed_payouts" gorm:"not null;default:0"`
	FailedPayouts    int `json:"failed_payouts" gorm:"not null;default:0"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PayoutTransfer is one winner's transfer. Unique (contest, user) means a
// participant can never be paid twice for the same contest no matter how
// scheduling is retried; the unique idempotency key is handed to the
// payment provider so a crashed worker replaying the call cannot double-pay
// either.
type PayoutTransfer struct {
	ID          string               `json:"id" gorm:"primaryKey;type:uuid"`
	PayoutJobID string               `json:"payout_job_id" gorm:"type:uuid;not null;index"`
	ContestID   string               `json:"contest_id" gorm:"type:uuid;not null;uniqueIndex:idx_transfer_contest_user"`
	UserID      string               `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_transfer_contest_user"`
	Amount      decimal.Decimal      `json:"amount" gorm:"type:numeric(18,2);not null"`
	Status      PayoutTransferStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`

	AttemptCount   int    `json:"attempt_count" gorm:"not null;default:0"`
	MaxAttempts    int    `json:"max_attempts" gorm:"not null;default:5"`
	IdempotencyKey string `json:"idempotency_key" gorm:"type:varchar(128);not null;uniqueIndex"`
	ProviderRef    string `json:"provider_ref,omitempty" gorm:"type:varchar(128)"`
	FailureReason  string `json:"failure_reason,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
