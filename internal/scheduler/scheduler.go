// Package scheduler drives the engine's time-based work: materializing
// contributions ahead of due dates, walking the delinquency ladder, expiring
// default grace periods and executing due payouts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	"github.com/tandahq/rueda/internal/clock"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	ContributionSvc contributiondomain.Service
	CascadeSvc      cascadedomain.Service
	PayoutSvc       payoutdomain.Service
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	contributionSvc contributiondomain.Service
	cascadeSvc      cascadedomain.Service
	payoutSvc       payoutdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.ContributionSvc == nil || p.CascadeSvc == nil || p.PayoutSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		contributionSvc: p.ContributionSvc,
		cascadeSvc:      p.CascadeSvc,
		payoutSvc:       p.PayoutSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: remaining work is picked up next run.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		schedMetrics.IncJobError(name, err)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"ensure_contributions", s.isJobEnabled("ensure_contributions"), func(ctx context.Context) error {
			return s.runJob(ctx, "ensure_contributions", s.cfg.BatchSize, 30*time.Second, s.EnsureContributionsJob)
		}},
		{"classify_contributions", s.isJobEnabled("classify_contributions"), func(ctx context.Context) error {
			return s.runJob(ctx, "classify_contributions", s.cfg.MaxClassifyBatchSize, 30*time.Second, s.ClassifyContributionsJob)
		}},
		{"expire_grace_periods", s.isJobEnabled("expire_grace_periods"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_grace_periods", s.cfg.BatchSize, 30*time.Second, s.ExpireGracePeriodsJob)
		}},
		{"execute_payouts", s.isJobEnabled("execute_payouts"), func(ctx context.Context) error {
			return s.runJob(ctx, "execute_payouts", s.cfg.MaxPayoutBatchSize, 60*time.Second, s.ExecutePayoutsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// EnsureContributionsJob materializes pending contributions for open cycles
// whose due date falls within the lead window.
func (s *Scheduler) EnsureContributionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "ensure_contributions", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	horizon := now.Add(s.cfg.ContributionLead)
	var jobErr error

	cycles, err := s.fetchCyclesForWork(ctx, horizon, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(run, "ensure_contributions", err)
		return err
	}

	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		created, err := s.contributionSvc.EnsureForCycle(ctx, cycle.ID.String())
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(run, "ensure_contributions", err,
				zap.String("cycle_id", cycle.ID.String()),
				zap.String("circle_id", cycle.CircleID.String()),
			)
			continue
		}
		run.AddProcessed(created)
	}

	if run.processedCount > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("ensure_contributions", "contributions", run.processedCount)
	}
	return jobErr
}

// ClassifyContributionsJob walks every unsettled contribution past its due
// date one rung along the delinquency ladder.
func (s *Scheduler) ClassifyContributionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "classify_contributions", s.cfg.MaxClassifyBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		contributions, err := s.fetchContributionsForWork(ctx, now, s.cfg.MaxClassifyBatchSize)
		if err != nil {
			s.logSchedulerError(run, "classify_contributions", err)
			return errors.Join(jobErr, err)
		}
		if len(contributions) == 0 {
			break
		}

		progressed := 0
		for _, contribution := range contributions {
			result, err := s.contributionSvc.Classify(ctx, contribution.ID.String(), now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "classify_contributions", err,
					zap.String("contribution_id", contribution.ID.String()),
				)
				continue
			}
			obsmetrics.Engine().IncContributionClassified(string(result.Classification))
			if result.Status != contribution.Status {
				progressed++
				run.AddProcessed(1)
			}
		}
		// A batch that moved nothing means the remaining rows are already on
		// their final rung for today; stop instead of spinning.
		if progressed == 0 {
			break
		}
	}

	if run.processedCount > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("classify_contributions", "contributions", run.processedCount)
	}
	return jobErr
}

// ExpireGracePeriodsJob runs the coverage waterfall for defaults whose
// repayment window has closed.
func (s *Scheduler) ExpireGracePeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_grace_periods", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	covered, err := s.cascadeSvc.ExpireGracePeriods(ctx, s.clock.Now())
	if err != nil {
		s.logSchedulerError(run, "expire_grace_periods", err)
		return err
	}
	run.AddProcessed(covered)
	if covered > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("expire_grace_periods", "defaults", covered)
	}
	return nil
}

// ExecutePayoutsJob disburses every eligible payout whose cycle is due.
func (s *Scheduler) ExecutePayoutsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "execute_payouts", s.cfg.MaxPayoutBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	executed, err := s.payoutSvc.ExecuteDue(ctx, s.clock.Now())
	if err != nil {
		s.logSchedulerError(run, "execute_payouts", err)
		return err
	}
	run.AddProcessed(executed)
	if executed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("execute_payouts", "payouts", executed)
	}
	return nil
}
