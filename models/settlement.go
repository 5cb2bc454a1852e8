package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScoreSnapshot is the frozen scoring input a settlement is computed from.
// The ingestion pipeline (external to this service) writes snapshots and
// flips Finalized when the underlying feed data is complete; settlement
// binds itself to exactly one finalized snapshot so the computation can be
// explained and replayed later.
type ScoreSnapshot struct {
	ID           string    `json:"id" gorm:"primaryKey;type:uuid"`
	ContestID    string    `json:"contest_id" gorm:"type:uuid;not null;index"`
	ScoringRunID string    `json:"scoring_run_id" gorm:"type:uuid;not null"`
	ContentHash  string    `json:"content_hash" gorm:"type:varchar(64);not null"`
	Finalized    bool      `json:"finalized" gorm:"not null;default:false;index"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`

	Entries []ScoreEntry `json:"entries,omitempty" gorm:"foreignKey:SnapshotID"`
}

// ScoreEntry is one participant's points inside a snapshot.
type ScoreEntry struct {
	ID         string          `json:"id" gorm:"primaryKey;type:uuid"`
	SnapshotID string          `json:"snapshot_id" gorm:"type:uuid;not null;index"`
	UserID     string          `json:"user_id" gorm:"type:uuid;not null;index"`
	Points     decimal.Decimal `json:"points" gorm:"type:numeric(18,4);not null;default:0"`
	Metadata   string          `json:"metadata" gorm:"type:jsonb;default:'{}'"`
}

// SettlementRecord is the one-time, deterministic result of settling a
// contest: final rankings plus the payouts derived from them. The unique
// index on ContestID enforces at most one settlement per contest; rows are
// created exactly once by the settlement engine and never mutated.
//
// ResultsJSON holds the canonicalized results document and ContentHash is
// the sha256 over exactly those bytes, the externally verifiable
// "same inputs, same outputs" contract.
type SettlementRecord struct {
	ID                string    `json:"id" gorm:"primaryKey;type:uuid"`
	ContestInstanceID string    `json:"contest_instance_id" gorm:"type:uuid;not null;uniqueIndex"`
	ResultsJSON       string    `json:"results" gorm:"type:jsonb;not null"`
	ContentHash       string    `json:"content_hash" gorm:"type:varchar(64);not null"`
	SnapshotID        string    `json:"snapshot_id" gorm:"type:uuid;not null"`
	SnapshotHash      string    `json:"snapshot_hash" gorm:"type:varchar(64);not null"`
	ScoringRunID      string    `json:"scoring_run_id" gorm:"type:uuid;not null"`
	SettledAt         time.Time `json:"settled_at" gorm:"not null"`
	CreatedAt         time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Ranking is one line of a settlement result.
type Ranking struct {
	Rank   int             `json:"rank"`
	UserID string          `json:"user_id"`
	Points decimal.Decimal `json:"points"`
}

// WinnerPayout is one participant's share of the prize pool.
type WinnerPayout struct {
	Rank   int             `json:"rank"`
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementResult is the strategy output before canonicalization.
type SettlementResult struct {
	Rankings []Ranking      `json:"rankings"`
	Payouts  []WinnerPayout `json:"payouts"`
}
