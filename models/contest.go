package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContestStatus is the persisted lifecycle state of a contest instance.
// LIVE is a real stored status like any other: it is written by a
// validated transition and read back verbatim, never derived from the
// clock at read time.
type ContestStatus string

const (
	StatusScheduled ContestStatus = "SCHEDULED"
	StatusLocked    ContestStatus = "LOCKED"
	StatusLive      ContestStatus = "LIVE"
	StatusComplete  ContestStatus = "COMPLETE"
	StatusCancelled ContestStatus = "CANCELLED"
	StatusError     ContestStatus = "ERROR"
)

// IsTerminal reports whether no further transitions may leave this status.
func (s ContestStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// Actor is the authority attempting a transition.
type Actor string

const (
	ActorSystem    Actor = "system"
	ActorOrganizer Actor = "organizer"
	ActorAdmin     Actor = "admin"
)

// ContestTemplate describes a reusable contest type. The scoring strategy
// key selects the registered settlement strategy at runtime, so onboarding
// a new contest type is a template row plus a registered implementation.
type ContestTemplate struct {
	ID                 string          `json:"id" gorm:"primaryKey;type:uuid"`
	Name               string          `json:"name" gorm:"not null"`
	Slug               string          `json:"slug" gorm:"uniqueIndex;not null"`
	Sport              string          `json:"sport" gorm:"type:varchar(64)"`
	ScoringStrategy    string          `json:"scoring_strategy" gorm:"type:varchar(64);not null"`
	DefaultEntryFee    decimal.Decimal `json:"default_entry_fee" gorm:"type:numeric(18,2);default:0"`
	DefaultPayoutSpec  string          `json:"default_payout_spec" gorm:"type:jsonb;default:'[]'"`
	CreatedAt          time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// ContestInstance is one scheduled run of a template, with its own fee,
// schedule and participants.
//
// Time invariant (checked at create): created_at < lock_time <= start_time
// < end_time <= settle_time, for each timestamp that is set.
// Instances are never physically deleted; CANCELLED is terminal, not removal.
type ContestInstance struct {
	ID          string        `json:"id" gorm:"primaryKey;type:uuid"`
	TemplateID  string        `json:"template_id" gorm:"type:uuid;not null;index"`
	OrganizerID string        `json:"organizer_id" gorm:"type:uuid;not null;index"`
	Status      ContestStatus `json:"status" gorm:"type:varchar(16);not null;default:'SCHEDULED';index"`

	LockTime   time.Time  `json:"lock_time" gorm:"not null"`
	StartTime  time.Time  `json:"start_time" gorm:"not null"`
	EndTime    time.Time  `json:"end_time" gorm:"not null"`
	SettleTime *time.Time `json:"settle_time,omitempty"`

	EntryFee   decimal.Decimal `json:"entry_fee" gorm:"type:numeric(18,2);not null;default:0"`
	PayoutSpec string          `json:"payout_spec" gorm:"type:jsonb;default:'[]'"`
	MaxEntries int             `json:"max_entries" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Template    ContestTemplate          `json:"template,omitempty" gorm:"foreignKey:TemplateID"`
	Transitions []ContestStateTransition `json:"-" gorm:"foreignKey:ContestID;constraint:OnDelete:CASCADE"`
}

// ContestEntry is one participant's paid seat in a contest. The unique
// index makes double-joining impossible at the database level.
type ContestEntry struct {
	ID         string          `json:"id" gorm:"primaryKey;type:uuid"`
	ContestID  string          `json:"contest_id" gorm:"type:uuid;not null;uniqueIndex:idx_entry_contest_user"`
	UserID     string          `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_entry_contest_user"`
	FeePaid    decimal.Decimal `json:"fee_paid" gorm:"type:numeric(18,2);not null"`
	JoinedAt   time.Time       `json:"joined_at" gorm:"autoCreateTime"`
}

// ContestStateTransition is the append-only audit trail of applied
// transitions. Rows are never updated or individually deleted; only a
// cascade delete of the parent contest removes them.
type ContestStateTransition struct {
	ID          string        `json:"id" gorm:"primaryKey;type:uuid"`
	ContestID   string        `json:"contest_id" gorm:"type:uuid;not null;index"`
	FromState   ContestStatus `json:"from_state" gorm:"type:varchar(16);not null"`
	ToState     ContestStatus `json:"to_state" gorm:"type:varchar(16);not null"`
	TriggeredBy Actor         `json:"triggered_by" gorm:"type:varchar(16);not null"`
	Reason      string        `json:"reason" gorm:"type:text"`
	CreatedAt   time.Time     `json:"created_at" gorm:"autoCreateTime"`
}
