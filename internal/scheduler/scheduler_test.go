package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	cascadeservice "github.com/tandahq/rueda/internal/cascade/service"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	contributionservice "github.com/tandahq/rueda/internal/contribution/service"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	ledgerservice "github.com/tandahq/rueda/internal/ledger/service"
	"github.com/tandahq/rueda/internal/notify"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	payoutservice "github.com/tandahq/rueda/internal/payout/service"
	"github.com/tandahq/rueda/internal/transfer"
	"github.com/tandahq/rueda/internal/trust"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	node  *snowflake.Node
	clk   *clock.FakeClock
	sched *Scheduler

	engine          config.EngineConfig
	ledgerSvc       ledgerdomain.Service
	contributionSvc contributiondomain.Service
	cascadeSvc      cascadedomain.Service
	payoutSvc       payoutdomain.Service
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		LateFeeBps:          500,
		DefaultAfterDays:    8,
		LateStreakDowngrade: 3,

		AffordApprovePct:    30,
		AffordBlockPct:      40,
		AffordTrustFallback: 0.6,

		WeightPreference: 0.25,
		WeightNeed:       0.30,
		WeightRisk:       0.30,
		WeightFairness:   0.15,
		RiskCapThreshold: 0.7,
		RiskCapRatio:     0.20,

		GraceDays:          7,
		GraceExtensionCap:  2,
		VoucherShareBps:    5000,
		InsuranceCapMinor:  50000,
		TrustPenaltyPoints: 0.1,
		VoucherPenalty:     0.05,

		PayoutMaxRetries:   3,
		PayoutBackoffMs:    1,
		TransferTimeoutSec: 15,
	}
}

func newTestEnv(t *testing.T, start time.Time, transferSvc transfer.Service) *testEnv {
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
		&payoutdomain.Payout{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(start)
	engine := testEngineConfig()
	trustSvc := trust.NewNoop(log)
	notifier := notify.New(config.Config{}, log)
	if transferSvc == nil {
		transferSvc = transfer.NewNoop(log)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	cascadeSvc := cascadeservice.NewService(cascadeservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Engine: engine,
		TrustSvc: trustSvc, Notifier: notifier, LedgerSvc: ledgerSvc,
	})
	contributionSvc := contributionservice.NewService(contributionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Engine: engine,
		TrustSvc: trustSvc, Notifier: notifier, LedgerSvc: ledgerSvc,
		Defaults: cascadeSvc,
	})
	payoutSvc := payoutservice.NewService(payoutservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Engine: engine,
		TransferSvc: transferSvc, Notifier: notifier, LedgerSvc: ledgerSvc,
	})

	sched, err := New(Params{
		DB:              db,
		Log:             log,
		ContributionSvc: contributionSvc,
		CascadeSvc:      cascadeSvc,
		PayoutSvc:       payoutSvc,
		GenID:           node,
		Clock:           clk,
		Config:          Config{RunInterval: time.Minute, BatchSize: 10, MaxClassifyBatchSize: 10, MaxPayoutBatchSize: 10},
	})
	require.NoError(t, err)

	return &testEnv{
		db:              db,
		node:            node,
		clk:             clk,
		sched:           sched,
		engine:          engine,
		ledgerSvc:       ledgerSvc,
		contributionSvc: contributionSvc,
		cascadeSvc:      cascadeSvc,
		payoutSvc:       payoutSvc,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 100, cfg.MaxClassifyBatchSize)
	assert.Equal(t, 25, cfg.MaxPayoutBatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.ContributionLead)

	custom := Config{BatchSize: 5}.withDefaults()
	assert.Equal(t, 5, custom.BatchSize)
	assert.Equal(t, time.Minute, custom.RunInterval)
}

func TestIsJobEnabled(t *testing.T) {
	all := &Scheduler{cfg: Config{}}
	assert.True(t, all.isJobEnabled("execute_payouts"))

	limited := &Scheduler{cfg: Config{EnabledJobs: []string{"Execute_Payouts"}}}
	assert.True(t, limited.isJobEnabled("execute_payouts"))
	assert.False(t, limited.isJobEnabled("ensure_contributions"))
}

func TestRunJobTreatsDeadlineAsSoftTimeout(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, nil)

	err := env.sched.runJob(context.Background(), "test_job", 1, time.Second, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = env.sched.runJob(context.Background(), "test_job", 1, time.Second, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRunOnceOnEmptyDatabase(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, nil)

	assert.NoError(t, env.sched.RunOnce(context.Background()))
}
