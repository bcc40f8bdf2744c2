// Package domain contains persistence models for the default coverage
// cascade: recorded defaults, grace periods, loss allocations and recovery
// payment plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DefaultStatus tracks a recorded default through resolution.
type DefaultStatus string

const (
	// StatusGracePeriod is the initial state: the defaulter has a window to
	// pay before the circle absorbs the loss.
	StatusGracePeriod DefaultStatus = "grace_period"
	// StatusCovered means the waterfall absorbed the shortfall.
	StatusCovered DefaultStatus = "covered"
	// StatusResolved means the defaulter repaid in full.
	StatusResolved DefaultStatus = "resolved"
	// StatusDisputed freezes further consequences pending mediation.
	StatusDisputed DefaultStatus = "disputed"
	// StatusWrittenOff is a mediator-approved permanent loss.
	StatusWrittenOff DefaultStatus = "written_off"
)

// CanTransition reports whether moving from s to target is a legal step.
func (s DefaultStatus) CanTransition(target DefaultStatus) bool {
	switch s {
	case StatusGracePeriod:
		return target == StatusCovered || target == StatusResolved ||
			target == StatusDisputed || target == StatusWrittenOff
	case StatusCovered:
		// Recovery after coverage can still close the book.
		return target == StatusResolved || target == StatusWrittenOff
	case StatusDisputed:
		return target == StatusGracePeriod || target == StatusResolved
	default:
		return false
	}
}

// Terminal reports whether the default needs no further action.
func (s DefaultStatus) Terminal() bool {
	return s == StatusResolved || s == StatusWrittenOff
}

// Default records one member's failure to contribute, with running coverage
// and recovery totals. OwedMinor never changes after creation; the invariant
// owed - covered - recovered >= 0 holds at all times.
type Default struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	CircleID       snowflake.ID  `gorm:"not null;index"`
	CycleID        snowflake.ID  `gorm:"not null;index"`
	ContributionID snowflake.ID  `gorm:"not null;uniqueIndex"`
	MemberID       snowflake.ID  `gorm:"not null;index"`
	OwedMinor      int64         `gorm:"not null"`
	CoveredMinor   int64         `gorm:"not null;default:0"`
	RecoveredMinor int64         `gorm:"not null;default:0"`
	Status         DefaultStatus `gorm:"type:text;not null;default:'grace_period'"`
	DisputedAt     *time.Time    `gorm:""`
	ResolvedAt     *time.Time    `gorm:""`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Default) TableName() string { return "defaults" }

// Remaining is the uncovered, unrecovered portion of the obligation.
func (d Default) Remaining() int64 {
	return d.OwedMinor - d.CoveredMinor - d.RecoveredMinor
}

// GracePeriod is the repayment window attached to a default. Metadata keeps
// the stated reason for every extension.
type GracePeriod struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	DefaultID  snowflake.ID      `gorm:"not null;uniqueIndex"`
	ExpiresAt  time.Time         `gorm:"not null;index"`
	Extensions int               `gorm:"not null;default:0"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GracePeriod) TableName() string { return "grace_periods" }

// LossAllocation is one member's pro-rata share of a socialized shortfall.
type LossAllocation struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	DefaultID   snowflake.ID `gorm:"not null;index"`
	MemberID    snowflake.ID `gorm:"not null;index"`
	AmountMinor int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LossAllocation) TableName() string { return "loss_allocations" }

// PlanStatus tracks a recovery payment plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// PaymentPlan splits a defaulter's remaining debt into installments. The
// request key lets a replayed creation return the plan it already made.
type PaymentPlan struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	DefaultID    snowflake.ID `gorm:"not null;uniqueIndex"`
	RequestID    snowflake.ID `gorm:"not null;default:0;index"`
	Installments int          `gorm:"not null"`
	Status       PlanStatus   `gorm:"type:text;not null;default:'active'"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentPlan) TableName() string { return "payment_plans" }

// PlanInstallment is one scheduled repayment within a plan.
type PlanInstallment struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	PaymentPlanID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_plan_installments_seq,priority:1"`
	Sequence      int          `gorm:"not null;uniqueIndex:ux_plan_installments_seq,priority:2"`
	AmountMinor   int64        `gorm:"not null"`
	DueAt         time.Time    `gorm:"not null"`
	PaidAt        *time.Time   `gorm:""`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanInstallment) TableName() string { return "plan_installments" }
