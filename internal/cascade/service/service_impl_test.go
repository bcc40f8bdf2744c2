package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	ledgerservice "github.com/tandahq/rueda/internal/ledger/service"
	"github.com/tandahq/rueda/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type penalty struct {
	profileID snowflake.ID
	points    float64
	reason    string
}

type trustStub struct {
	penalties []penalty
}

func (s *trustStub) Score(ctx context.Context, profileID snowflake.ID) (float64, error) {
	return 0.5, nil
}

func (s *trustStub) MonthlyIncome(ctx context.Context, profileID snowflake.ID) (int64, bool, error) {
	return 0, false, nil
}

func (s *trustStub) ApplyPenalty(ctx context.Context, profileID snowflake.ID, points float64, reason string) error {
	s.penalties = append(s.penalties, penalty{profileID: profileID, points: points, reason: reason})
	return nil
}

func (s *trustStub) TierDowngrade(ctx context.Context, profileID snowflake.ID, reason string) error {
	return nil
}

type cascadeEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	svc       cascadedomain.Service
	ledgerSvc ledgerdomain.Service
	trust     *trustStub

	circle  circledomain.Circle
	cycle   circledomain.Cycle
	members []circledomain.Member
}

func newCascadeEnv(t *testing.T, memberCount int) *cascadeEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&circledomain.Circle{},
		&circledomain.Cycle{},
		&circledomain.Member{},
		&contributiondomain.Contribution{},
		&cascadedomain.Default{},
		&cascadedomain.GracePeriod{},
		&cascadedomain.LossAllocation{},
		&cascadedomain.PaymentPlan{},
		&cascadedomain.PlanInstallment{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	start := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)

	trustSvc := &trustStub{}
	ledgerSvc := ledgerservice.NewService(ledgerservice.ServiceParam{DB: db, Log: log, GenID: node})
	svc := NewService(ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
		Engine: config.EngineConfig{
			GraceDays:          3,
			GraceExtensionCap:  2,
			VoucherShareBps:    2500,
			InsuranceCapMinor:  3000,
			TrustPenaltyPoints: 0.1,
			VoucherPenalty:     0.05,
		},
		TrustSvc:  trustSvc,
		Notifier:  notify.New(config.Config{}, log),
		LedgerSvc: ledgerSvc,
	})

	env := &cascadeEnv{
		db: db, node: node, clk: clk, svc: svc,
		ledgerSvc: ledgerSvc, trust: trustSvc,
	}

	env.circle = circledomain.Circle{
		ID:          node.Generate(),
		Name:        "cascade circle",
		AmountMinor: 10000,
		Frequency:   "monthly",
		Capacity:    memberCount,
		Status:      circledomain.CircleStatusActive,
	}
	require.NoError(t, db.Create(&env.circle).Error)
	require.NoError(t, ledgerSvc.EnsureAccounts(context.Background(), env.circle.ID))

	for i := 0; i < memberCount; i++ {
		position := i + 1
		member := circledomain.Member{
			ID:          node.Generate(),
			CircleID:    env.circle.ID,
			ProfileID:   node.Generate(),
			DisplayName: fmt.Sprintf("member-%d", position),
			Role:        circledomain.RoleMember,
			TrustScore:  0.8,
			Position:    &position,
			Standing:    circledomain.StandingGood,
			Active:      true,
			JoinedAt:    start.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, db.Create(&member).Error)
		env.members = append(env.members, member)
	}

	env.cycle = circledomain.Cycle{
		ID:          node.Generate(),
		CircleID:    env.circle.ID,
		Sequence:    1,
		DueAt:       start.AddDate(0, 1, 0),
		RecipientID: env.members[memberCount-1].ID,
		Status:      circledomain.CycleStatusOpen,
	}
	require.NoError(t, db.Create(&env.cycle).Error)

	return env
}

// seedDefault records a default for the first member's threshold-crossed
// contribution and returns it.
func (e *cascadeEnv) seedDefault(t *testing.T) cascadedomain.Default {
	t.Helper()
	contribution := contributiondomain.Contribution{
		ID:             e.node.Generate(),
		CircleID:       e.circle.ID,
		CycleID:        e.cycle.ID,
		MemberID:       e.members[0].ID,
		AmountMinor:    e.circle.AmountMinor,
		Status:         contributiondomain.StatusDefaultThreshold,
		DueAt:          e.cycle.DueAt,
		GraceExpiresAt: e.cycle.DueAt,
	}
	require.NoError(t, e.db.Create(&contribution).Error)
	require.NoError(t, e.svc.RecordDefault(context.Background(), contribution.ID.String()))

	var dflt cascadedomain.Default
	require.NoError(t, e.db.First(&dflt, "contribution_id = ?", contribution.ID).Error)
	return dflt
}

func (e *cascadeEnv) fund(t *testing.T, code ledgerdomain.LedgerAccountCode, amount int64) {
	t.Helper()
	source := ledgerdomain.SourceTypeReserveDeposit
	if code == ledgerdomain.AccountCodeInsuranceFund {
		source = ledgerdomain.SourceTypeInsuranceDeposit
	}
	require.NoError(t, e.ledgerSvc.Deposit(context.Background(), e.circle.ID, code, amount, source, e.node.Generate()))
}

func (e *cascadeEnv) balance(t *testing.T, code ledgerdomain.LedgerAccountCode) int64 {
	t.Helper()
	var account ledgerdomain.LedgerAccount
	require.NoError(t, e.db.
		Where("circle_id = ? AND code = ?", e.circle.ID, code).
		First(&account).Error)
	return account.Balance
}

func (e *cascadeEnv) memberRow(t *testing.T, id snowflake.ID) circledomain.Member {
	t.Helper()
	var row circledomain.Member
	require.NoError(t, e.db.First(&row, "id = ?", id).Error)
	return row
}

func (e *cascadeEnv) promote(t *testing.T, member circledomain.Member, role circledomain.MemberRole) {
	t.Helper()
	require.NoError(t, e.db.Model(&circledomain.Member{}).
		Where("id = ?", member.ID).
		Update("role", role).Error)
}

func TestRecordDefaultOpensGracePeriod(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)

	assert.Equal(t, cascadedomain.StatusGracePeriod, dflt.Status)
	assert.EqualValues(t, 10000, dflt.OwedMinor)
	assert.Zero(t, dflt.CoveredMinor)

	var grace cascadedomain.GracePeriod
	require.NoError(t, env.db.First(&grace, "default_id = ?", dflt.ID).Error)
	assert.True(t, grace.ExpiresAt.Equal(env.clk.Now().AddDate(0, 0, 3)))
	assert.Zero(t, grace.Extensions)

	// The contribution row escalates to the final rung with the default.
	var contribution contributiondomain.Contribution
	require.NoError(t, env.db.First(&contribution, "id = ?", dflt.ContributionID).Error)
	assert.Equal(t, contributiondomain.StatusDefaulted, contribution.Status)

	defaulter := env.memberRow(t, env.members[0].ID)
	assert.Equal(t, 1, defaulter.UnresolvedDefault)
	assert.Equal(t, circledomain.StandingWarning, defaulter.Standing)
	assert.EqualValues(t, env.members[0].Version+1, defaulter.Version)

	require.Len(t, env.trust.penalties, 1)
	assert.Equal(t, env.members[0].ProfileID, env.trust.penalties[0].profileID)
	assert.InDelta(t, 0.1, env.trust.penalties[0].points, 1e-9)

	// Replaying the same contribution is a no-op.
	require.NoError(t, env.svc.RecordDefault(context.Background(), dflt.ContributionID.String()))
	var count int64
	require.NoError(t, env.db.Model(&cascadedomain.Default{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Len(t, env.trust.penalties, 1)
}

func TestRecordDefaultRequiresDelinquency(t *testing.T) {
	env := newCascadeEnv(t, 4)

	contribution := contributiondomain.Contribution{
		ID:             env.node.Generate(),
		CircleID:       env.circle.ID,
		CycleID:        env.cycle.ID,
		MemberID:       env.members[0].ID,
		AmountMinor:    10000,
		Status:         contributiondomain.StatusLate,
		DueAt:          env.cycle.DueAt,
		GraceExpiresAt: env.cycle.DueAt,
	}
	require.NoError(t, env.db.Create(&contribution).Error)

	err := env.svc.RecordDefault(context.Background(), contribution.ID.String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidTransition)
}

func TestRecordDefaultPenalizesVoucher(t *testing.T) {
	env := newCascadeEnv(t, 4)
	require.NoError(t, env.db.Model(&circledomain.Member{}).
		Where("id = ?", env.members[0].ID).
		Update("vouched_by_id", env.members[1].ID).Error)

	env.seedDefault(t)

	require.Len(t, env.trust.penalties, 2)
	assert.Equal(t, env.members[0].ProfileID, env.trust.penalties[0].profileID)
	assert.Equal(t, env.members[1].ProfileID, env.trust.penalties[1].profileID)
	assert.InDelta(t, 0.05, env.trust.penalties[1].points, 1e-9)
	assert.Equal(t, "vouched_member_default", env.trust.penalties[1].reason)
}

func TestCoverFullyFromReserve(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	env.fund(t, ledgerdomain.AccountCodeReserveFund, 10000)

	breakdown, err := env.svc.Cover(context.Background(), dflt.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 10000, breakdown.ReserveMinor)
	assert.Zero(t, breakdown.VoucherMinor)
	assert.Zero(t, breakdown.InsuranceMinor)
	assert.Zero(t, breakdown.SharedMinor)
	assert.Zero(t, breakdown.RemainingMinor)

	covered, err := env.svc.GetByID(context.Background(), dflt.ID.String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusCovered, covered.Status)
	assert.EqualValues(t, 10000, covered.CoveredMinor)

	var contribution contributiondomain.Contribution
	require.NoError(t, env.db.First(&contribution, "id = ?", dflt.ContributionID).Error)
	assert.Equal(t, contributiondomain.StatusCovered, contribution.Status)

	assert.EqualValues(t, 0, env.balance(t, ledgerdomain.AccountCodeReserveFund))
	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	_, err = env.svc.Cover(context.Background(), dflt.ID.String())
	assert.ErrorIs(t, err, cascadedomain.ErrAlreadyResolved)
}

func TestCoverWalksTheFullWaterfall(t *testing.T) {
	env := newCascadeEnv(t, 4)
	require.NoError(t, env.db.Model(&circledomain.Member{}).
		Where("id = ?", env.members[0].ID).
		Update("vouched_by_id", env.members[1].ID).Error)
	dflt := env.seedDefault(t)

	env.fund(t, ledgerdomain.AccountCodeReserveFund, 4000)
	env.fund(t, ledgerdomain.AccountCodeInsuranceFund, 10000)

	breakdown, err := env.svc.Cover(context.Background(), dflt.ID.String())
	require.NoError(t, err)

	// Reserve drains first, the voucher absorbs a quarter of the owed amount,
	// insurance draws up to its cap, and the rest is socialized.
	assert.EqualValues(t, 4000, breakdown.ReserveMinor)
	assert.EqualValues(t, 2500, breakdown.VoucherMinor)
	assert.EqualValues(t, 3000, breakdown.InsuranceMinor)
	assert.EqualValues(t, 500, breakdown.SharedMinor)
	assert.Zero(t, breakdown.RemainingMinor)

	var allocations []cascadedomain.LossAllocation
	require.NoError(t, env.db.Where("default_id = ?", dflt.ID).Order("amount_minor DESC").Find(&allocations).Error)
	require.Len(t, allocations, 3)
	var total int64
	for _, allocation := range allocations {
		assert.NotEqual(t, env.members[0].ID, allocation.MemberID)
		total += allocation.AmountMinor
	}
	assert.EqualValues(t, 500, total)
	assert.EqualValues(t, 168, allocations[0].AmountMinor)

	assert.EqualValues(t, 0, env.balance(t, ledgerdomain.AccountCodeReserveFund))
	assert.EqualValues(t, 7000, env.balance(t, ledgerdomain.AccountCodeInsuranceFund))
	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	covered, err := env.svc.GetByID(context.Background(), dflt.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 10000, covered.CoveredMinor)
}

func TestExpireGracePeriodsCoversOverdueDefaults(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)

	// Still inside the window.
	covered, err := env.svc.ExpireGracePeriods(context.Background(), env.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, covered)

	covered, err = env.svc.ExpireGracePeriods(context.Background(), env.clk.Now().AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, covered)

	resolved, err := env.svc.GetByID(context.Background(), dflt.ID.String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusCovered, resolved.Status)
	// With no funds the whole shortfall is socialized.
	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))
}

func TestExtendGracePeriodBoundedByCap(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	origin := env.clk.Now().AddDate(0, 0, 3)

	_, err := env.svc.ExtendGracePeriod(context.Background(), dflt.ID.String(), "  ")
	assert.ErrorIs(t, err, cascadedomain.ErrReasonRequired)

	first, err := env.svc.ExtendGracePeriod(context.Background(), dflt.ID.String(), "hospital stay")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Extensions)
	assert.True(t, first.ExpiresAt.Equal(origin.AddDate(0, 0, 3)))

	second, err := env.svc.ExtendGracePeriod(context.Background(), dflt.ID.String(), "awaiting wage payment")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Extensions)

	var grace cascadedomain.GracePeriod
	require.NoError(t, env.db.First(&grace, "default_id = ?", dflt.ID).Error)
	reasons, ok := grace.Metadata["extension_reasons"].([]any)
	require.True(t, ok)
	require.Len(t, reasons, 2)
	assert.Equal(t, "hospital stay", reasons[0])
	assert.Equal(t, "awaiting wage payment", reasons[1])

	_, err = env.svc.ExtendGracePeriod(context.Background(), dflt.ID.String(), "one more week")
	assert.ErrorIs(t, err, cascadedomain.ErrGraceCapReached)
}

func TestRecordRecoveryRefillsPoolAndResolves(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	ctx := context.Background()

	_, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 0, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidAmount)
	_, err = env.svc.RecordRecovery(ctx, dflt.ID.String(), 10001, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidAmount)

	partial, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 4000, env.node.Generate().String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusGracePeriod, partial.Status)
	assert.EqualValues(t, 4000, partial.RecoveredMinor)
	assert.EqualValues(t, 4000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	resolved, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 6000, env.node.Generate().String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	defaulter := env.memberRow(t, env.members[0].ID)
	assert.Zero(t, defaulter.UnresolvedDefault)
	assert.Equal(t, circledomain.StandingGood, defaulter.Standing)

	_, err = env.svc.RecordRecovery(ctx, dflt.ID.String(), 1, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidTransition)
}

func TestRecordRecoveryReplayDoesNotDoubleCredit(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	ctx := context.Background()
	key := env.node.Generate().String()

	first, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 4000, key)
	require.NoError(t, err)
	assert.EqualValues(t, 4000, first.RecoveredMinor)
	assert.EqualValues(t, 4000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	// Replaying the same resolution request neither posts nor accrues again.
	replay, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 4000, key)
	require.NoError(t, err)
	assert.EqualValues(t, 4000, replay.RecoveredMinor)
	assert.EqualValues(t, 4000, env.balance(t, ledgerdomain.AccountCodeCirclePool))

	var entries int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("source_type = ?", ledgerdomain.SourceTypeRecovery).
		Count(&entries).Error)
	assert.EqualValues(t, 1, entries)
}

func TestRecoveryAfterCoverageReimbursesReserve(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	env.fund(t, ledgerdomain.AccountCodeReserveFund, 10000)
	ctx := context.Background()

	_, err := env.svc.Cover(ctx, dflt.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 0, env.balance(t, ledgerdomain.AccountCodeReserveFund))

	// Repayment after coverage shrinks the covered total in step with the
	// recovered total; the obligation never goes negative.
	partial, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 5000, env.node.Generate().String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusCovered, partial.Status)
	assert.EqualValues(t, 5000, partial.RecoveredMinor)
	assert.EqualValues(t, 5000, partial.CoveredMinor)
	assert.EqualValues(t, 0, partial.Remaining())
	assert.EqualValues(t, 5000, env.balance(t, ledgerdomain.AccountCodeReserveFund))

	resolved, err := env.svc.RecordRecovery(ctx, dflt.ID.String(), 5000, env.node.Generate().String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusResolved, resolved.Status)
	assert.Zero(t, resolved.CoveredMinor)
	assert.EqualValues(t, 10000, resolved.RecoveredMinor)
	assert.EqualValues(t, 0, resolved.Remaining())
	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeReserveFund))
}

func TestCreatePaymentPlanSplitsRemainingDebt(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	ctx := context.Background()

	_, _, err := env.svc.CreatePaymentPlan(ctx, dflt.ID.String(), 1, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidInstallment)

	key := env.node.Generate().String()
	plan, installments, err := env.svc.CreatePaymentPlan(ctx, dflt.ID.String(), 4, key)
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.PlanActive, plan.Status)
	require.Len(t, installments, 4)
	for i, row := range installments {
		assert.Equal(t, i+1, row.Sequence)
		assert.EqualValues(t, 2500, row.AmountMinor)
		assert.True(t, row.DueAt.Equal(env.clk.Now().AddDate(0, i+1, 0)))
	}

	// Replaying the same request returns the plan it created; a different
	// request conflicts with the existing plan.
	replayed, replayedRows, err := env.svc.CreatePaymentPlan(ctx, dflt.ID.String(), 4, key)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, replayed.ID)
	assert.Len(t, replayedRows, 4)

	_, _, err = env.svc.CreatePaymentPlan(ctx, dflt.ID.String(), 4, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrPlanExists)

	// A repayment settles the earliest unpaid installment.
	_, err = env.svc.RecordRecovery(ctx, dflt.ID.String(), 2500, env.node.Generate().String())
	require.NoError(t, err)
	var paid int64
	require.NoError(t, env.db.Model(&cascadedomain.PlanInstallment{}).
		Where("payment_plan_id = ? AND paid_at IS NOT NULL", plan.ID).
		Count(&paid).Error)
	assert.EqualValues(t, 1, paid)
}

func TestWriteOffRequiresMediator(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	ctx := context.Background()

	_, err := env.svc.WriteOff(ctx, dflt.ID.String(), env.members[2].ID.String())
	assert.ErrorIs(t, err, cascadedomain.ErrNotMediator)

	env.promote(t, env.members[3], circledomain.RoleElder)
	written, err := env.svc.WriteOff(ctx, dflt.ID.String(), env.members[3].ID.String())
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusWrittenOff, written.Status)
	require.NotNil(t, written.ResolvedAt)

	var contribution contributiondomain.Contribution
	require.NoError(t, env.db.First(&contribution, "id = ?", dflt.ContributionID).Error)
	assert.Equal(t, contributiondomain.StatusWrittenOff, contribution.Status)

	defaulter := env.memberRow(t, env.members[0].ID)
	assert.Zero(t, defaulter.UnresolvedDefault)
}

func TestDisputeFreezesConsequences(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	env.promote(t, env.members[3], circledomain.RoleElder)
	mediator := env.members[3].ID.String()
	ctx := context.Background()

	disputed, err := env.svc.Dispute(ctx, dflt.ID.String(), mediator)
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusDisputed, disputed.Status)
	require.NotNil(t, disputed.DisputedAt)

	_, err = env.svc.Cover(ctx, dflt.ID.String())
	assert.ErrorIs(t, err, cascadedomain.ErrDisputed)
	_, err = env.svc.RecordRecovery(ctx, dflt.ID.String(), 1000, env.node.Generate().String())
	assert.ErrorIs(t, err, cascadedomain.ErrInvalidTransition)

	// Upholding the default reinstates the grace period.
	reinstated, err := env.svc.ResolveDispute(ctx, dflt.ID.String(), mediator, true)
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusGracePeriod, reinstated.Status)
	assert.Nil(t, reinstated.DisputedAt)
}

func TestResolveDisputeInMemberFavor(t *testing.T) {
	env := newCascadeEnv(t, 4)
	dflt := env.seedDefault(t)
	env.promote(t, env.members[3], circledomain.RoleElder)
	mediator := env.members[3].ID.String()
	ctx := context.Background()

	_, err := env.svc.Dispute(ctx, dflt.ID.String(), mediator)
	require.NoError(t, err)

	resolved, err := env.svc.ResolveDispute(ctx, dflt.ID.String(), mediator, false)
	require.NoError(t, err)
	assert.Equal(t, cascadedomain.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	var contribution contributiondomain.Contribution
	require.NoError(t, env.db.First(&contribution, "id = ?", dflt.ContributionID).Error)
	assert.Equal(t, contributiondomain.StatusCovered, contribution.Status)

	defaulter := env.memberRow(t, env.members[0].ID)
	assert.Zero(t, defaulter.UnresolvedDefault)
	assert.Equal(t, circledomain.StandingGood, defaulter.Standing)
}
