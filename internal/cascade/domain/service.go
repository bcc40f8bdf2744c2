package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("default_not_found")
	ErrInvalidID          = errors.New("invalid_id")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidTransition  = errors.New("invalid_default_transition")
	ErrAlreadyResolved    = errors.New("default_already_resolved")
	ErrDisputed           = errors.New("default_disputed")
	ErrGraceCapReached    = errors.New("grace_extension_cap_reached")
	ErrNotMediator        = errors.New("not_a_mediator")
	ErrReasonRequired     = errors.New("extension_reason_required")
	ErrPlanExists         = errors.New("payment_plan_exists")
	ErrInvalidInstallment = errors.New("invalid_installment_count")
	// ErrIntegrityViolation means coverage plus recovery exceeded the owed
	// amount. Processing for the default halts until operators intervene.
	ErrIntegrityViolation = errors.New("coverage_integrity_violation")
)

// CoverageBreakdown reports where a covered shortfall landed.
type CoverageBreakdown struct {
	DefaultID      string `json:"default_id"`
	OwedMinor      int64  `json:"owed_minor"`
	ReserveMinor   int64  `json:"reserve_minor"`
	VoucherMinor   int64  `json:"voucher_minor"`
	InsuranceMinor int64  `json:"insurance_minor"`
	SharedMinor    int64  `json:"shared_loss_minor"`
	RemainingMinor int64  `json:"remaining_minor"`
}

type Service interface {
	// RecordDefault opens a default for a contribution that crossed the
	// threshold: owed amount, grace period, standing and trust consequences.
	// Idempotent per contribution.
	RecordDefault(ctx context.Context, contributionID string) error
	// Cover runs the coverage waterfall for one default whose grace period
	// has ended: reserve fund, then voucher share, then insurance, then a
	// pro-rata shared loss across the remaining members.
	Cover(ctx context.Context, defaultID string) (CoverageBreakdown, error)
	// ExpireGracePeriods covers every default whose grace window has passed.
	ExpireGracePeriods(ctx context.Context, now time.Time) (int, error)
	// ExtendGracePeriod pushes the window out by the configured grace days,
	// bounded by the extension cap. The reason is kept on the record.
	ExtendGracePeriod(ctx context.Context, defaultID, reason string) (GracePeriod, error)
	// RecordRecovery applies a repayment from the defaulter. After coverage
	// the repayment reimburses the layers that fronted the loss. The request
	// key makes replays no-ops.
	RecordRecovery(ctx context.Context, defaultID string, amountMinor int64, requestID string) (Default, error)
	// CreatePaymentPlan splits the remaining debt into installments due on
	// the circle's cadence. Replaying the same request returns the plan it
	// created.
	CreatePaymentPlan(ctx context.Context, defaultID string, installments int, requestID string) (PaymentPlan, []PlanInstallment, error)
	// WriteOff closes the default as a permanent loss. Mediator roles only.
	WriteOff(ctx context.Context, defaultID, mediatorMemberID string) (Default, error)
	// Dispute freezes consequences pending mediation.
	Dispute(ctx context.Context, defaultID, mediatorMemberID string) (Default, error)
	// ResolveDispute either reinstates the default or closes it in the
	// member's favor.
	ResolveDispute(ctx context.Context, defaultID, mediatorMemberID string, upheld bool) (Default, error)
	GetByID(ctx context.Context, defaultID string) (Default, error)
	ForCircle(ctx context.Context, circleID string) ([]Default, error)
}
