// Package domain contains persistence models and the contract for cycle
// payouts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound          = errors.New("payout_not_found")
	ErrInvalidID         = errors.New("invalid_id")
	ErrNotEligible       = errors.New("payout_not_eligible")
	ErrInvalidTransition = errors.New("invalid_payout_transition")
	ErrAlreadyScheduled  = errors.New("payout_already_scheduled")
)

// PayoutStatus walks the disbursement lifecycle. Cancellation is only legal
// before processing begins; a completed payout is immutable.
type PayoutStatus string

const (
	StatusScheduled  PayoutStatus = "scheduled"
	StatusPending    PayoutStatus = "pending"
	StatusProcessing PayoutStatus = "processing"
	StatusCompleted  PayoutStatus = "completed"
	StatusFailed     PayoutStatus = "failed"
	StatusCancelled  PayoutStatus = "cancelled"
)

// CanTransition reports whether moving from s to target is a legal step.
func (s PayoutStatus) CanTransition(target PayoutStatus) bool {
	switch s {
	case StatusScheduled:
		return target == StatusPending || target == StatusCancelled
	case StatusPending:
		return target == StatusProcessing || target == StatusCancelled
	case StatusProcessing:
		return target == StatusCompleted || target == StatusFailed
	case StatusFailed:
		// Failed payouts can be retried through pending.
		return target == StatusPending
	default:
		return false
	}
}

// Payout is the disbursement of one cycle's pot to its recipient.
type Payout struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CircleID    snowflake.ID `gorm:"not null;index"`
	CycleID     snowflake.ID `gorm:"not null;uniqueIndex"`
	RecipientID snowflake.ID `gorm:"not null;index"`
	AmountMinor int64        `gorm:"not null"`
	Status      PayoutStatus `gorm:"type:text;not null;default:'scheduled'"`
	Attempts    int          `gorm:"not null;default:0"`
	LastError   string       `gorm:"type:text"`
	ScheduledAt time.Time    `gorm:"not null"`
	CompletedAt *time.Time   `gorm:""`
	FailedAt    *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

// Eligibility is the outcome of the pure pre-disbursement check.
type Eligibility struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
}

type Service interface {
	// Schedule creates the payout for a cycle once. The pot is the circle
	// contribution amount times the member count.
	Schedule(ctx context.Context, cycleID string) (Payout, error)
	// CheckEligibility evaluates the cycle without side effects: every
	// contribution terminal and non-delinquent or its default covered, the
	// recipient resolved and free of unresolved defaults.
	CheckEligibility(ctx context.Context, cycleID string) (Eligibility, error)
	// Execute runs the disbursement: re-checks eligibility, reserves the pot
	// and calls the transfer collaborator with bounded retries.
	Execute(ctx context.Context, payoutID string) (Payout, error)
	// ExecuteDue executes every eligible payout whose cycle is due.
	ExecuteDue(ctx context.Context, now time.Time) (int, error)
	// Cancel aborts a payout that has not begun processing.
	Cancel(ctx context.Context, payoutID string) (Payout, error)
	GetByID(ctx context.Context, payoutID string) (Payout, error)
	ForCircle(ctx context.Context, circleID string) ([]Payout, error)
}
