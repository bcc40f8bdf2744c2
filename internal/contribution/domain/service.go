package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound          = errors.New("contribution_not_found")
	ErrInvalidID         = errors.New("invalid_id")
	ErrAlreadySettled    = errors.New("contribution_already_settled")
	ErrInvalidTransition = errors.New("invalid_contribution_transition")
)

// Classification is the lateness state of a contribution at a point in time.
type Classification string

const (
	ClassOnTime           Classification = "on_time"
	ClassGrace            Classification = "grace"
	ClassLate             Classification = "late"
	ClassDefaultThreshold Classification = "default_threshold"
)

// ClassifyResult reports the outcome of one classification pass.
type ClassifyResult struct {
	ContributionID snowflake.ID       `json:"contribution_id"`
	Classification Classification     `json:"classification"`
	Status         ContributionStatus `json:"status"`
	DaysPastDue    int                `json:"days_past_due"`
	LateFeeMinor   int64              `json:"late_fee_minor"`
	DefaultOpened  bool               `json:"default_opened"`
}

// DefaultRecorder is implemented by the default cascade handler. Crossing the
// default threshold is the only path that invokes it.
type DefaultRecorder interface {
	RecordDefault(ctx context.Context, contributionID string) error
}

type Service interface {
	// EnsureForCycle creates pending contributions for every active member
	// of the cycle's circle. Idempotent.
	EnsureForCycle(ctx context.Context, cycleID string) (int, error)
	// Classify evaluates the contribution's lateness at now, applying the
	// flat late fee once and opening a default past the threshold.
	Classify(ctx context.Context, contributionID string, now time.Time) (ClassifyResult, error)
	// RecordPayment settles the contribution (principal plus any late fee).
	RecordPayment(ctx context.Context, contributionID string, now time.Time) (Contribution, error)
	GetByID(ctx context.Context, contributionID string) (Contribution, error)
	ForCycle(ctx context.Context, cycleID string) ([]Contribution, error)
}
