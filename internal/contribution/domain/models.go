// Package domain contains persistence models for member contributions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ContributionStatus walks the escalation ladder. Transitions are monotonic:
// a status never moves to a lower rung except through explicit resolution.
type ContributionStatus string

const (
	StatusPending          ContributionStatus = "pending"
	StatusOnTime           ContributionStatus = "on_time"
	StatusGrace            ContributionStatus = "grace"
	StatusLate             ContributionStatus = "late"
	StatusDefaultThreshold ContributionStatus = "default_threshold"
	StatusDefaulted        ContributionStatus = "defaulted"
	StatusCovered          ContributionStatus = "covered"
	StatusWrittenOff       ContributionStatus = "written_off"
)

// rank orders statuses along the escalation ladder.
func (s ContributionStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOnTime, StatusGrace:
		return 1
	case StatusLate:
		return 2
	case StatusDefaultThreshold:
		return 3
	case StatusDefaulted:
		return 4
	case StatusCovered, StatusWrittenOff:
		return 5
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to target respects the ladder.
// Settlement of a pending or grace contribution (→ on_time) and the
// resolution states are the only same-or-upward lateral moves allowed.
func (s ContributionStatus) CanTransition(target ContributionStatus) bool {
	if s == target {
		return false
	}
	switch target {
	case StatusOnTime:
		return s == StatusPending || s == StatusGrace
	case StatusCovered, StatusWrittenOff:
		return s == StatusDefaulted || s == StatusDefaultThreshold
	default:
		return target.rank() > s.rank()
	}
}

// Terminal reports whether the status ends the contribution's lifecycle.
func (s ContributionStatus) Terminal() bool {
	switch s {
	case StatusOnTime, StatusCovered, StatusWrittenOff:
		return true
	case StatusLate:
		return false // terminal only once settled
	default:
		return false
	}
}

// Delinquent reports whether the contribution blocks payout eligibility.
func (s ContributionStatus) Delinquent() bool {
	return s == StatusDefaultThreshold || s == StatusDefaulted
}

// Contribution is one member's obligation for one cycle.
type Contribution struct {
	ID               snowflake.ID       `gorm:"primaryKey"`
	CircleID         snowflake.ID       `gorm:"not null;index"`
	CycleID          snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_contributions_cycle_member,priority:1"`
	MemberID         snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_contributions_cycle_member,priority:2"`
	AmountMinor      int64              `gorm:"not null"`
	LateFeeMinor     int64              `gorm:"not null;default:0"`
	Status           ContributionStatus `gorm:"type:text;not null;default:'pending'"`
	DueAt            time.Time          `gorm:"not null"`
	GraceExpiresAt   time.Time          `gorm:"not null"`
	LateFeeAppliedAt *time.Time         `gorm:""`
	SettledAt        *time.Time         `gorm:""`
	CreatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Contribution) TableName() string { return "contributions" }
