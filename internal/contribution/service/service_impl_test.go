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
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	ledgerservice "github.com/tandahq/rueda/internal/ledger/service"
	"github.com/tandahq/rueda/internal/notify"
	"github.com/tandahq/rueda/internal/trust"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recorderStub struct {
	recorded []string
}

func (r *recorderStub) RecordDefault(ctx context.Context, contributionID string) error {
	r.recorded = append(r.recorded, contributionID)
	return nil
}

type trustStub struct {
	trust.Noop
	downgrades []snowflake.ID
}

func (s *trustStub) TierDowngrade(ctx context.Context, profileID snowflake.ID, reason string) error {
	s.downgrades = append(s.downgrades, profileID)
	return nil
}

type contributionEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	svc       contributiondomain.Service
	ledgerSvc ledgerdomain.Service
	recorder  *recorderStub
	trust     *trustStub

	circle  circledomain.Circle
	cycle   circledomain.Cycle
	members []circledomain.Member
}

func newContributionEnv(t *testing.T, start time.Time, memberCount int) *contributionEnv {
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
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(start)
	engine := config.EngineConfig{
		LateFeeBps:          500,
		DefaultAfterDays:    8,
		LateStreakDowngrade: 3,
	}

	recorder := &recorderStub{}
	trustSvc := &trustStub{}
	ledgerSvc := ledgerservice.NewService(ledgerservice.ServiceParam{DB: db, Log: log, GenID: node})
	svc := NewService(ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Engine: engine,
		TrustSvc: trustSvc, Notifier: notify.New(config.Config{}, log),
		LedgerSvc: ledgerSvc, Defaults: recorder,
	})

	env := &contributionEnv{
		db: db, node: node, clk: clk, svc: svc,
		ledgerSvc: ledgerSvc, recorder: recorder, trust: trustSvc,
	}

	env.circle = circledomain.Circle{
		ID:             node.Generate(),
		Name:           "test circle",
		AmountMinor:    10000,
		Frequency:      "monthly",
		Capacity:       memberCount,
		RotationMethod: circledomain.RotationSequential,
		GraceDays:      2,
		Status:         circledomain.CircleStatusActive,
		StartAt:        &start,
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
			TrustScore:  0.7,
			Position:    &position,
			Preference:  circledomain.PreferenceNone,
			Need:        circledomain.NeedUndeclared,
			Standing:    circledomain.StandingGood,
			Active:      true,
			JoinedAt:    start,
		}
		require.NoError(t, db.Create(&member).Error)
		env.members = append(env.members, member)
	}

	env.cycle = circledomain.Cycle{
		ID:          node.Generate(),
		CircleID:    env.circle.ID,
		Sequence:    1,
		DueAt:       start.AddDate(0, 1, 0),
		RecipientID: env.members[0].ID,
		Status:      circledomain.CycleStatusOpen,
	}
	require.NoError(t, db.Create(&env.cycle).Error)

	return env
}

func (e *contributionEnv) contributionFor(t *testing.T, memberID snowflake.ID) contributiondomain.Contribution {
	t.Helper()
	var row contributiondomain.Contribution
	require.NoError(t, e.db.
		Where("cycle_id = ? AND member_id = ?", e.cycle.ID, memberID).
		First(&row).Error)
	return row
}

func (e *contributionEnv) balance(t *testing.T, code ledgerdomain.LedgerAccountCode) int64 {
	t.Helper()
	balance, err := e.ledgerSvc.Balance(context.Background(), e.circle.ID, code)
	require.NoError(t, err)
	return balance
}

func TestEnsureForCycleIdempotent(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 3)
	ctx := context.Background()

	created, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	created, err = env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	assert.Zero(t, created)

	row := env.contributionFor(t, env.members[0].ID)
	assert.Equal(t, contributiondomain.StatusPending, row.Status)
	assert.EqualValues(t, 10000, row.AmountMinor)
	assert.True(t, row.DueAt.Equal(env.cycle.DueAt))
	assert.True(t, row.GraceExpiresAt.Equal(env.cycle.DueAt.AddDate(0, 0, 2)))

	_, err = env.svc.EnsureForCycle(ctx, env.node.Generate().String())
	assert.ErrorIs(t, err, circledomain.ErrCycleNotFound)
}

func TestClassifyWalksTheLadder(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)
	id := row.ID.String()

	// Before the due date nothing changes.
	result, err := env.svc.Classify(ctx, id, env.cycle.DueAt.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassOnTime, result.Classification)
	assert.Equal(t, contributiondomain.StatusPending, result.Status)

	// Inside the circle's grace window.
	result, err = env.svc.Classify(ctx, id, env.cycle.DueAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassGrace, result.Classification)
	assert.Equal(t, contributiondomain.StatusGrace, result.Status)

	// Past grace, before the default threshold: flat fee assessed once.
	lateAt := env.cycle.DueAt.AddDate(0, 0, 4)
	result, err = env.svc.Classify(ctx, id, lateAt)
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassLate, result.Classification)
	assert.Equal(t, contributiondomain.StatusLate, result.Status)
	assert.EqualValues(t, 500, result.LateFeeMinor)

	result, err = env.svc.Classify(ctx, id, lateAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassLate, result.Classification)
	row = env.contributionFor(t, env.members[0].ID)
	assert.EqualValues(t, 500, row.LateFeeMinor)

	var member circledomain.Member
	require.NoError(t, env.db.First(&member, "id = ?", env.members[0].ID).Error)
	assert.Equal(t, 1, member.LateCount)

	// Crossing the threshold hands the contribution to the default recorder.
	result, err = env.svc.Classify(ctx, id, env.cycle.DueAt.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassDefaultThreshold, result.Classification)
	assert.True(t, result.DefaultOpened)
	require.Len(t, env.recorder.recorded, 1)
	assert.Equal(t, id, env.recorder.recorded[0])
}

func TestClassifySettledContributionIsStable(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)

	_, err = env.svc.RecordPayment(ctx, row.ID.String(), env.cycle.DueAt.AddDate(0, 0, -2))
	require.NoError(t, err)

	result, err := env.svc.Classify(ctx, row.ID.String(), env.cycle.DueAt.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.ClassOnTime, result.Classification)
	assert.Equal(t, contributiondomain.StatusOnTime, result.Status)
	assert.Empty(t, env.recorder.recorded)
}

func TestRecordPaymentPostsToLedger(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)

	settled, err := env.svc.RecordPayment(ctx, row.ID.String(), env.cycle.DueAt)
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.StatusOnTime, settled.Status)
	require.NotNil(t, settled.SettledAt)

	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))
	assert.EqualValues(t, -10000, env.balance(t, ledgerdomain.AccountCodeExternal))

	_, err = env.svc.RecordPayment(ctx, row.ID.String(), env.cycle.DueAt)
	assert.ErrorIs(t, err, contributiondomain.ErrAlreadySettled)
}

func TestRecordPaymentCollectsLateFee(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)

	lateAt := env.cycle.DueAt.AddDate(0, 0, 4)
	_, err = env.svc.Classify(ctx, row.ID.String(), lateAt)
	require.NoError(t, err)

	settled, err := env.svc.RecordPayment(ctx, row.ID.String(), lateAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, contributiondomain.StatusLate, settled.Status)
	require.NotNil(t, settled.SettledAt)

	assert.EqualValues(t, 10000, env.balance(t, ledgerdomain.AccountCodeCirclePool))
	assert.EqualValues(t, 500, env.balance(t, ledgerdomain.AccountCodeLateFeeIncome))
	assert.EqualValues(t, -10500, env.balance(t, ledgerdomain.AccountCodeExternal))
}

func TestRecordPaymentRejectedPastThreshold(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)

	_, err = env.svc.Classify(ctx, row.ID.String(), env.cycle.DueAt.AddDate(0, 0, 10))
	require.NoError(t, err)

	_, err = env.svc.RecordPayment(ctx, row.ID.String(), env.cycle.DueAt.AddDate(0, 0, 11))
	assert.ErrorIs(t, err, contributiondomain.ErrInvalidTransition)
}

func TestLateStreakSignalsTierDowngrade(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newContributionEnv(t, start, 1)
	ctx := context.Background()

	_, err := env.svc.EnsureForCycle(ctx, env.cycle.ID.String())
	require.NoError(t, err)
	row := env.contributionFor(t, env.members[0].ID)

	require.NoError(t, env.db.Model(&circledomain.Member{}).
		Where("id = ?", env.members[0].ID).
		Update("late_count", 2).Error)

	_, err = env.svc.Classify(ctx, row.ID.String(), env.cycle.DueAt.AddDate(0, 0, 4))
	require.NoError(t, err)

	require.Len(t, env.trust.downgrades, 1)
	assert.Equal(t, env.members[0].ProfileID, env.trust.downgrades[0])
}
