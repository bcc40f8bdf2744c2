// Package domain defines consensual position swaps between circle members.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrConsentRequired = errors.New("consent_required")
	ErrSameMember      = errors.New("same_member")
	ErrNoPosition      = errors.New("no_position")
	ErrPositionPaidOut = errors.New("position_paid_out")
	ErrRiskCapViolated = errors.New("risk_cap_violated")
)

// SwapStatus is the recorded outcome of a swap request.
type SwapStatus string

const (
	SwapCompleted SwapStatus = "completed"
	SwapRejected  SwapStatus = "rejected"
)

// Swap is the audit record of one swap attempt, kept whether or not the
// exchange went through.
type Swap struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CircleID       snowflake.ID `gorm:"not null;index"`
	RequesterID    snowflake.ID `gorm:"not null;index"`
	CounterpartyID snowflake.ID `gorm:"not null"`
	FromPosition   int          `gorm:"not null"`
	ToPosition     int          `gorm:"not null"`
	Status         SwapStatus   `gorm:"type:text;not null"`
	RejectReason   string       `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Swap) TableName() string { return "position_swaps" }

// SwapRequest carries both members' consent and the versions each party saw
// when consenting. A version mismatch at execution time aborts the swap.
type SwapRequest struct {
	CircleID            string `json:"circle_id"`
	RequesterID         string `json:"requester_id"`
	CounterpartyID      string `json:"counterparty_id"`
	RequesterConsent    bool   `json:"requester_consent"`
	CounterpartyConsent bool   `json:"counterparty_consent"`
	RequesterVersion    int64  `json:"requester_version"`
	CounterpartyVersion int64  `json:"counterparty_version"`
}

type SwapResult struct {
	Swap                 Swap `json:"swap"`
	RequesterPosition    int  `json:"requester_position"`
	CounterpartyPosition int  `json:"counterparty_position"`
}

type Service interface {
	Execute(ctx context.Context, req SwapRequest) (SwapResult, error)
}
