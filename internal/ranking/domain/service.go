// Package domain defines the weighted payout-order ranking contract.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	// ErrOrderFrozen is returned when ranking is requested after activation.
	ErrOrderFrozen = errors.New("order_frozen")
	// ErrNoMembers is returned when a circle has no active members to rank.
	ErrNoMembers = errors.New("no_members")
)

// RankedMember is one member's computed slot with its score breakdown.
type RankedMember struct {
	MemberID   snowflake.ID `json:"member_id"`
	Position   int          `json:"position"`
	Score      float64      `json:"score"`
	Preference float64      `json:"preference_component"`
	Need       float64      `json:"need_component"`
	Risk       float64      `json:"risk_component"`
	Fairness   float64      `json:"fairness_component"`
	RiskCapped bool         `json:"risk_capped"`
}

// RankResult is the full computed order for a circle.
type RankResult struct {
	CircleID snowflake.ID   `json:"circle_id"`
	Members  []RankedMember `json:"members"`
}

type Service interface {
	// Rank computes the weighted order and persists member positions.
	Rank(ctx context.Context, circleID string) (RankResult, error)
	// Preview computes the order without persisting anything.
	Preview(ctx context.Context, circleID string) (RankResult, error)
}
