package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidID     = errors.New("invalid_id")
	ErrInvalidAmount = errors.New("invalid_amount")
)

// Decision is the affordability gate outcome.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionWarning  Decision = "warning"
	DecisionBlocked  Decision = "blocked"
)

// Check is the persisted audit record of one pre-enrollment evaluation. The
// gate runs once; it never re-evaluates after joining.
type Check struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	ProfileID          snowflake.ID `gorm:"not null;index"`
	ProposedMonthly    int64        `gorm:"not null"`
	ExistingMonthly    int64        `gorm:"not null"`
	IncomeMonthly      int64        `gorm:"not null;default:0"`
	IncomeAvailable    bool         `gorm:"not null;default:false"`
	CommitmentRatioPct float64      `gorm:"not null;default:0"`
	Decision           Decision     `gorm:"type:text;not null"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Check) TableName() string { return "affordability_checks" }

type CheckRequest struct {
	ProfileID   string `json:"profile_id"`
	AmountMinor int64  `json:"amount_minor"`
	Frequency   string `json:"frequency"`
}

type CheckResponse struct {
	Decision           Decision `json:"decision"`
	CommitmentRatioPct float64  `json:"commitment_ratio_pct"`
	IncomeAvailable    bool     `json:"income_available"`
	ProposedMonthly    int64    `json:"proposed_monthly_minor"`
	ExistingMonthly    int64    `json:"existing_monthly_minor"`
}

type Service interface {
	Check(ctx context.Context, req CheckRequest) (CheckResponse, error)
}
