package scheduler

import (
	"context"
	"time"

	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
)

// fetchCyclesForWork claims open cycles of active circles whose due date
// falls before horizon. SKIP LOCKED keeps concurrent scheduler instances
// off each other's batches; sqlite has no row locks so the clause is skipped.
func (s *Scheduler) fetchCyclesForWork(ctx context.Context, horizon time.Time, limit int) ([]circledomain.Cycle, error) {
	start := time.Now()
	defer func() {
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceCyclesForWork, time.Since(start))
	}()

	query := `
		SELECT cycles.*
		FROM cycles
		JOIN circles ON circles.id = cycles.circle_id
		WHERE cycles.status = ?
		  AND circles.status = ?
		  AND cycles.due_at <= ?
		ORDER BY cycles.due_at ASC
		LIMIT ?`
	if s.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var cycles []circledomain.Cycle
	err := s.db.WithContext(ctx).
		Raw(query, circledomain.CycleStatusOpen, circledomain.CircleStatusActive, horizon, limit).
		Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

// fetchContributionsForWork claims unsettled contributions past their due
// date that still have ladder rungs left to walk.
func (s *Scheduler) fetchContributionsForWork(ctx context.Context, now time.Time, limit int) ([]contributiondomain.Contribution, error) {
	start := time.Now()
	defer func() {
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceContributionsForWork, time.Since(start))
	}()

	query := `
		SELECT *
		FROM contributions
		WHERE settled_at IS NULL
		  AND due_at <= ?
		  AND status IN (?, ?, ?)
		ORDER BY due_at ASC
		LIMIT ?`
	if s.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var contributions []contributiondomain.Contribution
	err := s.db.WithContext(ctx).
		Raw(query, now,
			contributiondomain.StatusPending,
			contributiondomain.StatusGrace,
			contributiondomain.StatusLate,
			limit).
		Scan(&contributions).Error
	if err != nil {
		return nil, err
	}
	return contributions, nil
}
