package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	"github.com/tandahq/rueda/internal/transfer"
)

type circleSeed struct {
	circle  circledomain.Circle
	members []circledomain.Member
	cycles  []circledomain.Cycle
}

// seedActiveCircle creates an active circle with assigned positions, one open
// cycle per member due monthly from firstDue, and a funded reserve.
func seedActiveCircle(t *testing.T, env *testEnv, memberCount int, amountMinor int64, firstDue time.Time, reserveMinor int64) circleSeed {
	t.Helper()
	ctx := context.Background()
	now := env.clk.Now()

	circle := circledomain.Circle{
		ID:             env.node.Generate(),
		Name:           "lifecycle",
		AmountMinor:    amountMinor,
		Frequency:      circledomain.Frequency("monthly"),
		Capacity:       memberCount,
		RotationMethod: circledomain.RotationScoreBased,
		GraceDays:      2,
		Status:         circledomain.CircleStatusActive,
		ActivatedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, env.db.Create(&circle).Error)

	var members []circledomain.Member
	for i := 0; i < memberCount; i++ {
		position := i + 1
		role := circledomain.RoleMember
		if i == 0 {
			role = circledomain.RoleCreator
		}
		member := circledomain.Member{
			ID:          env.node.Generate(),
			CircleID:    circle.ID,
			ProfileID:   env.node.Generate(),
			DisplayName: "member",
			Role:        role,
			TrustScore:  0.8,
			Position:    &position,
			Preference:  circledomain.PreferenceNone,
			Need:        circledomain.NeedUndeclared,
			Standing:    circledomain.StandingGood,
			Active:      true,
			JoinedAt:    now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, env.db.Create(&member).Error)
		members = append(members, member)
	}

	var cycles []circledomain.Cycle
	for i := 0; i < memberCount; i++ {
		cycle := circledomain.Cycle{
			ID:          env.node.Generate(),
			CircleID:    circle.ID,
			Sequence:    i + 1,
			DueAt:       firstDue.AddDate(0, i, 0),
			RecipientID: members[i].ID,
			Status:      circledomain.CycleStatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, env.db.Create(&cycle).Error)
		cycles = append(cycles, cycle)
	}

	require.NoError(t, env.ledgerSvc.EnsureAccounts(ctx, circle.ID))
	if reserveMinor > 0 {
		require.NoError(t, env.ledgerSvc.Deposit(ctx, circle.ID,
			ledgerdomain.AccountCodeReserveFund, reserveMinor,
			ledgerdomain.SourceTypeReserveDeposit, env.node.Generate()))
	}

	return circleSeed{circle: circle, members: members, cycles: cycles}
}

func contributionFor(t *testing.T, env *testEnv, cycleID, memberID snowflake.ID) contributiondomain.Contribution {
	t.Helper()
	var row contributiondomain.Contribution
	err := env.db.Where("cycle_id = ? AND member_id = ?", cycleID, memberID).First(&row).Error
	require.NoError(t, err)
	return row
}

// The full circle lifecycle under a fake clock: contributions materialize
// ahead of the due date, the non-payer walks grace to late to default, the
// reserve covers the default after its grace period, and the payout settles
// once the cycle is clean.
func TestRunOnceCircleLifecycle(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, nil)
	ctx := context.Background()

	firstDue := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	seed := seedActiveCircle(t, env, 3, 10000, firstDue, 20000)

	// Jan 5: within the seven-day lead, contributions materialize.
	env.clk.Set(time.Date(2025, time.January, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	var pending int64
	require.NoError(t, env.db.Model(&contributiondomain.Contribution{}).
		Where("cycle_id = ? AND status = ?", seed.cycles[0].ID, contributiondomain.StatusPending).
		Count(&pending).Error)
	assert.Equal(t, int64(3), pending)

	// Re-running creates nothing new.
	require.NoError(t, env.sched.RunOnce(ctx))
	var total int64
	require.NoError(t, env.db.Model(&contributiondomain.Contribution{}).
		Where("cycle_id = ?", seed.cycles[0].ID).Count(&total).Error)
	assert.Equal(t, int64(3), total)

	payout, err := env.payoutSvc.Schedule(ctx, seed.cycles[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(30000), payout.AmountMinor)
	assert.Equal(t, payoutdomain.StatusScheduled, payout.Status)

	// Jan 9: two members pay on time, the third does not.
	env.clk.Set(time.Date(2025, time.January, 9, 12, 0, 0, 0, time.UTC))
	for _, member := range seed.members[:2] {
		row := contributionFor(t, env, seed.cycles[0].ID, member.ID)
		_, err := env.contributionSvc.RecordPayment(ctx, row.ID.String(), env.clk.Now())
		require.NoError(t, err)
	}

	// Jan 11: one day past due, inside the circle's two grace days. The
	// payout is due but held back by the open contribution.
	env.clk.Set(time.Date(2025, time.January, 11, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	late := contributionFor(t, env, seed.cycles[0].ID, seed.members[2].ID)
	assert.Equal(t, contributiondomain.StatusGrace, late.Status)

	held, err := env.payoutSvc.GetByID(ctx, payout.ID.String())
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusScheduled, held.Status)

	// Jan 14: grace exhausted, the flat late fee lands once.
	env.clk.Set(time.Date(2025, time.January, 14, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.NoError(t, env.sched.RunOnce(ctx))

	late = contributionFor(t, env, seed.cycles[0].ID, seed.members[2].ID)
	assert.Equal(t, contributiondomain.StatusLate, late.Status)
	assert.Equal(t, int64(500), late.LateFeeMinor)

	// Jan 18: eight days past due crosses the default threshold.
	env.clk.Set(time.Date(2025, time.January, 18, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	late = contributionFor(t, env, seed.cycles[0].ID, seed.members[2].ID)
	assert.Equal(t, contributiondomain.StatusDefaulted, late.Status)

	var dflt cascadedomain.Default
	require.NoError(t, env.db.Where("contribution_id = ?", late.ID).First(&dflt).Error)
	assert.Equal(t, cascadedomain.StatusGracePeriod, dflt.Status)
	assert.Equal(t, int64(10000), dflt.OwedMinor)

	var defaulter circledomain.Member
	require.NoError(t, env.db.First(&defaulter, "id = ?", seed.members[2].ID).Error)
	assert.Equal(t, 1, defaulter.UnresolvedDefault)
	assert.Equal(t, circledomain.StandingWarning, defaulter.Standing)

	// Jan 26: the default's grace period has expired. Coverage runs first,
	// then the now-eligible payout executes in the same pass.
	env.clk.Set(time.Date(2025, time.January, 26, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	require.NoError(t, env.db.Where("contribution_id = ?", late.ID).First(&dflt).Error)
	assert.Equal(t, cascadedomain.StatusCovered, dflt.Status)
	assert.Equal(t, int64(10000), dflt.CoveredMinor)

	covered := contributionFor(t, env, seed.cycles[0].ID, seed.members[2].ID)
	assert.Equal(t, contributiondomain.StatusCovered, covered.Status)

	settled, err := env.payoutSvc.GetByID(ctx, payout.ID.String())
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusCompleted, settled.Status)
	assert.NotNil(t, settled.CompletedAt)

	var cycle circledomain.Cycle
	require.NoError(t, env.db.First(&cycle, "id = ?", seed.cycles[0].ID).Error)
	assert.Equal(t, circledomain.CycleStatusSettled, cycle.Status)
	assert.NotNil(t, cycle.SettledAt)

	reserve, err := env.ledgerSvc.Balance(ctx, seed.circle.ID, ledgerdomain.AccountCodeReserveFund)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), reserve)

	pool, err := env.ledgerSvc.Balance(ctx, seed.circle.ID, ledgerdomain.AccountCodeCirclePool)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pool)
}

type flakyTransfer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTransfer) Execute(ctx context.Context, req transfer.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return transfer.ErrTransferFailed
	}
	return nil
}

func TestExecutePayoutsRetriesTransientTransferFailures(t *testing.T) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	flaky := &flakyTransfer{failures: 2}
	env := newTestEnv(t, start, flaky)
	ctx := context.Background()

	firstDue := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	seed := seedActiveCircle(t, env, 2, 5000, firstDue, 0)

	env.clk.Set(time.Date(2025, time.March, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))
	for _, member := range seed.members {
		row := contributionFor(t, env, seed.cycles[0].ID, member.ID)
		_, err := env.contributionSvc.RecordPayment(ctx, row.ID.String(), env.clk.Now())
		require.NoError(t, err)
	}

	payout, err := env.payoutSvc.Schedule(ctx, seed.cycles[0].ID.String())
	require.NoError(t, err)

	env.clk.Set(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	settled, err := env.payoutSvc.GetByID(ctx, payout.ID.String())
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusCompleted, settled.Status)
	assert.Equal(t, 3, settled.Attempts)
	assert.Equal(t, 3, flaky.calls)
}

func TestExecutePayoutsMarksFailedAfterRetryBudget(t *testing.T) {
	start := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	flaky := &flakyTransfer{failures: 10}
	env := newTestEnv(t, start, flaky)
	ctx := context.Background()

	firstDue := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)
	seed := seedActiveCircle(t, env, 2, 5000, firstDue, 0)

	env.clk.Set(time.Date(2025, time.April, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))
	for _, member := range seed.members {
		row := contributionFor(t, env, seed.cycles[0].ID, member.ID)
		_, err := env.contributionSvc.RecordPayment(ctx, row.ID.String(), env.clk.Now())
		require.NoError(t, err)
	}

	payout, err := env.payoutSvc.Schedule(ctx, seed.cycles[0].ID.String())
	require.NoError(t, err)

	env.clk.Set(time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, env.sched.RunOnce(ctx))

	failed, err := env.payoutSvc.GetByID(ctx, payout.ID.String())
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.NotEmpty(t, failed.LastError)
	assert.Equal(t, 3, flaky.calls)

	var cycle circledomain.Cycle
	require.NoError(t, env.db.First(&cycle, "id = ?", seed.cycles[0].ID).Error)
	assert.Equal(t, circledomain.CycleStatusOpen, cycle.Status)
}
