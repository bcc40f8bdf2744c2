// Package domain contains persistence models for circles, cycles and members.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/calendar"
	"gorm.io/datatypes"
)

// Frequency re-exports the calendar cadence so callers only import one package.
type Frequency = calendar.Frequency

// CircleStatus represents lifecycle states for a circle.
type CircleStatus string

const (
	CircleStatusPending   CircleStatus = "PENDING"
	CircleStatusActive    CircleStatus = "ACTIVE"
	CircleStatusPaused    CircleStatus = "PAUSED"
	CircleStatusCompleted CircleStatus = "COMPLETED"
	CircleStatusClosed    CircleStatus = "CLOSED"
)

// RotationMethod determines how the payout order is assigned.
type RotationMethod string

const (
	RotationRandom     RotationMethod = "random"
	RotationScoreBased RotationMethod = "score_based"
	RotationAuction    RotationMethod = "auction"
	RotationSequential RotationMethod = "sequential"
	RotationNeedBased  RotationMethod = "need_based"
)

// RequiresRanking reports whether the rotation method uses the weighted ranker.
func (m RotationMethod) RequiresRanking() bool {
	return m == RotationScoreBased || m == RotationNeedBased
}

// Circle is a rotating-savings group with fixed contribution terms.
type Circle struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	Name           string            `gorm:"type:text;not null"`
	AmountMinor    int64             `gorm:"not null"`
	Frequency      Frequency         `gorm:"type:text;not null"`
	Capacity       int               `gorm:"not null"`
	RotationMethod RotationMethod    `gorm:"type:text;not null;default:'score_based'"`
	GraceDays      int               `gorm:"not null;default:2"`
	Status         CircleStatus      `gorm:"type:text;not null;default:'PENDING'"`
	StartAt        *time.Time        `gorm:""`
	ActivatedAt    *time.Time        `gorm:""`
	CompletedAt    *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Circle) TableName() string { return "circles" }

// CycleStatus tracks settlement progress for one rotation period.
type CycleStatus string

const (
	CycleStatusOpen    CycleStatus = "OPEN"
	CycleStatusSettled CycleStatus = "SETTLED"
	CycleStatusClosed  CycleStatus = "CLOSED"
)

// Cycle is one rotation period of a circle with one designated recipient.
type Cycle struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CircleID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_cycles_circle_seq,priority:1"`
	Sequence    int          `gorm:"not null;uniqueIndex:ux_cycles_circle_seq,priority:2"`
	DueAt       time.Time    `gorm:"not null"`
	RecipientID snowflake.ID `gorm:"index"`
	Status      CycleStatus  `gorm:"type:text;not null;default:'OPEN'"`
	SettledAt   *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Cycle) TableName() string { return "cycles" }

// MemberRole is the member's role within a circle.
type MemberRole string

const (
	RoleCreator MemberRole = "creator"
	RoleAdmin   MemberRole = "admin"
	RoleElder   MemberRole = "elder"
	RoleMember  MemberRole = "member"
)

// CanMediate reports whether the role may resolve disputes and write-offs.
func (r MemberRole) CanMediate() bool {
	return r == RoleAdmin || r == RoleElder || r == RoleCreator
}

// Standing buckets a member by cumulative unresolved defaults.
type Standing string

const (
	StandingGood               Standing = "good"
	StandingWarning            Standing = "warning"
	StandingSuspended          Standing = "suspended"
	StandingRemovalRecommended Standing = "removal_recommended"
)

// PositionPreference is the member's stated slot preference.
type PositionPreference string

const (
	PreferenceEarly PositionPreference = "early"
	PreferenceLate  PositionPreference = "late"
	PreferenceNone  PositionPreference = "no_preference"
)

// NeedCategory is the member's declared need for an early payout.
type NeedCategory string

const (
	NeedEmergency   NeedCategory = "emergency"
	NeedPlannedGoal NeedCategory = "planned_goal"
	NeedNone        NeedCategory = "no_need"
	NeedUndeclared  NeedCategory = "undeclared"
)

// Member belongs to one circle. Position is nil until ranking runs; once
// assigned it is unique within the circle. Version guards concurrent swaps.
type Member struct {
	ID                snowflake.ID       `gorm:"primaryKey"`
	CircleID          snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_members_circle_position,priority:1"`
	ProfileID         snowflake.ID       `gorm:"not null;index"`
	DisplayName       string             `gorm:"type:text;not null"`
	Role              MemberRole         `gorm:"type:text;not null;default:'member'"`
	TrustScore        float64            `gorm:"not null;default:0.5"`
	Position          *int               `gorm:"uniqueIndex:ux_members_circle_position,priority:2"`
	Preference        PositionPreference `gorm:"type:text;not null;default:'no_preference'"`
	Need              NeedCategory       `gorm:"type:text;not null;default:'undeclared'"`
	FairnessCarry     float64            `gorm:"not null;default:0"`
	VouchedByID       *snowflake.ID      `gorm:"index"`
	Standing          Standing           `gorm:"type:text;not null;default:'good'"`
	UnresolvedDefault int                `gorm:"not null;default:0"`
	LateCount         int                `gorm:"not null;default:0"`
	Active            bool               `gorm:"not null;default:true"`
	Version           int64              `gorm:"not null;default:0"`
	JoinedAt          time.Time          `gorm:"not null"`
	CreatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Member) TableName() string { return "members" }
