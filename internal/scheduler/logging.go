package scheduler

import (
	"context"

	"go.uber.org/zap"
)

type jobRunKey struct{}

// jobRun accumulates per-run counters so nested job calls share one record.
type jobRun struct {
	job            string
	batchSize      int
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.processedCount += n
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

// ensureJobRun returns the run attached to ctx, creating one when this call
// is the outermost frame. The owner flag tells the caller whether it should
// emit the start/finish log lines.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}
	run := &jobRun{job: job, batchSize: batchSize}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func (s *Scheduler) logJobStart(run *jobRun) {
	if run == nil {
		return
	}
	s.log.Info("job started",
		zap.String("job", run.job),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(run *jobRun) {
	if run == nil {
		return
	}
	s.log.Info("job finished",
		zap.String("job", run.job),
		zap.Int("processed", run.processedCount),
		zap.Int("errors", run.errorCount),
	)
}

func (s *Scheduler) logSchedulerError(run *jobRun, job string, err error, fields ...zap.Field) {
	run.IncError()
	fields = append(fields, zap.String("job", job), zap.Error(err))
	s.log.Warn("job item failed", fields...)
}
