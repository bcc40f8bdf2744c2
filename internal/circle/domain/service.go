package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/pkg/db/pagination"
)

type CreateCircleRequest struct {
	Name           string         `json:"name"`
	AmountMinor    int64          `json:"amount_minor"`
	Frequency      string         `json:"frequency"`
	Capacity       int            `json:"capacity"`
	RotationMethod RotationMethod `json:"rotation_method"`
	GraceDays      int            `json:"grace_days"`
	StartAt        *time.Time     `json:"start_at,omitempty"`
	CreatorName    string         `json:"creator_name"`
	CreatorProfile string         `json:"creator_profile_id"`
}

type JoinCircleRequest struct {
	CircleID    string              `json:"circle_id"`
	ProfileID   string              `json:"profile_id"`
	DisplayName string              `json:"display_name"`
	TrustScore  float64             `json:"trust_score"`
	Preference  PositionPreference  `json:"preference"`
	Need        NeedCategory        `json:"need"`
	VouchedBy   *string             `json:"vouched_by,omitempty"`
}

type ListCircleRequest struct {
	pagination.Pagination
	Status string `form:"status"`
}

type ListCircleResponse struct {
	pagination.PageInfo
	Circles []Circle `json:"circles"`
}

// ScheduleResult reports the cycles generated for a circle.
type ScheduleResult struct {
	CircleID  snowflake.ID `json:"circle_id"`
	Generated int          `json:"generated"`
	Cycles    []Cycle      `json:"cycles"`
}

type Service interface {
	Create(ctx context.Context, req CreateCircleRequest) (Circle, error)
	GetByID(ctx context.Context, circleID string) (Circle, error)
	List(ctx context.Context, req ListCircleRequest) (ListCircleResponse, error)
	Join(ctx context.Context, req JoinCircleRequest) (Member, error)
	// Activate freezes the order and opens the first cycle. The rotation
	// order must be fully assigned beforehand.
	Activate(ctx context.Context, circleID string) (Circle, error)
	Transition(ctx context.Context, circleID string, target CircleStatus) (Circle, error)
	// UpdateTerms changes amount/frequency. Rejected once any contribution
	// has been collected for the circle.
	UpdateTerms(ctx context.Context, circleID string, amountMinor int64, frequency string) (Circle, error)
	// ScheduleDueDates generates the circle's cycles 1..capacity with
	// calendar-correct due dates. Idempotent: existing cycles are kept.
	ScheduleDueDates(ctx context.Context, circleID string) (ScheduleResult, error)
	// ResolveRecipient fixes cycle N's recipient from member positions.
	ResolveRecipient(ctx context.Context, circleID string, sequence int) (Member, error)
	Members(ctx context.Context, circleID string) ([]Member, error)
	Cycles(ctx context.Context, circleID string) ([]Cycle, error)
}
